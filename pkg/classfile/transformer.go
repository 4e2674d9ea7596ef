// Package classfile rewrites JVM class files inside a converted jar.
package classfile

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

// Version tags archives produced by this pass. Bump it whenever the
// rewrite rules change so stored jars are re-transformed.
const Version = "1.0.0"

// Action is what the pass did to a single class
type Action int

const (
	ActionKeep Action = iota
	ActionRewrite
	ActionRemove
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "keep"
	case ActionRewrite:
		return "rewrite"
	case ActionRemove:
		return "remove"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Options configures the pass
type Options struct {
	// ExcludedNamespaces are dotted package prefixes whose classes are
	// deleted from the archive
	ExcludedNamespaces []string `yaml:"excluded_namespaces"`
	// ReplacedClasses are internal names redirected to Prefix+name
	ReplacedClasses []string `yaml:"replaced_classes"`
	// Prefix is prepended to every replaced class
	Prefix string `yaml:"prefix"`
}

// DefaultOptions returns the rules extensions built against the Android
// runtime need on a plain JVM
func DefaultOptions() Options {
	return Options{
		ExcludedNamespaces: []string{
			"org.apache.commons.lang3",
			"org.apache.commons.text",
			"org.brotli.dec",
		},
		ReplacedClasses: []string{"java/text/SimpleDateFormat"},
		Prefix:          "xyz/nulldev/androidcompat/replace/",
	}
}

// Stats summarizes one archive pass
type Stats struct {
	Classes   int
	Rewritten int
	Removed   int
	Skipped   int
}

// Transformer applies the pass to class archives
type Transformer struct {
	opts   Options
	logger *logrus.Logger
}

// NewTransformer creates a transformer
func NewTransformer(opts Options, logger *logrus.Logger) *Transformer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transformer{opts: opts, logger: logger}
}

// Version returns the pass version tag
func (t *Transformer) Version() string {
	return Version
}

// TransformClass applies the pass to one class file. For ActionKeep and
// ActionSkip the returned bytes are the input; for ActionRemove they are nil.
func (t *Transformer) TransformClass(data []byte) ([]byte, Action, error) {
	if len(data) < 4 {
		return data, ActionSkip, ErrTruncated
	}

	class, err := Parse(data)
	if err != nil {
		return data, ActionSkip, err
	}

	if t.excluded(class.DottedName()) {
		return nil, ActionRemove, nil
	}

	changed, err := class.Redirect(t.opts.ReplacedClasses, t.opts.Prefix)
	if err != nil {
		return data, ActionSkip, err
	}
	if !changed {
		return data, ActionKeep, nil
	}

	out, err := class.Bytes()
	if err != nil {
		return data, ActionSkip, err
	}
	return out, ActionRewrite, nil
}

func (t *Transformer) excluded(dotted string) bool {
	for _, ns := range t.opts.ExcludedNamespaces {
		if ns != "" && strings.HasPrefix(dotted, ns) {
			return true
		}
	}
	return false
}

// TransformArchive rewrites the archive at path in place. The new archive
// is written next to the original and renamed over it, so a failure leaves
// the original untouched.
func (t *Transformer) TransformArchive(ctx context.Context, path string) (Stats, error) {
	var stats Stats

	zr, err := zip.OpenReader(path)
	if err != nil {
		return stats, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	err = workfolder.WriteAtomic(path, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, f := range zr.File {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.transformEntry(zw, f, &stats); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
		}
		return zw.Close()
	})
	if err != nil {
		return Stats{}, err
	}

	t.logger.Debugf("Transformed %s: %d classes, %d rewritten, %d removed, %d skipped",
		path, stats.Classes, stats.Rewritten, stats.Removed, stats.Skipped)
	return stats, nil
}

func (t *Transformer) transformEntry(zw *zip.Writer, f *zip.File, stats *Stats) error {
	if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, ".class") {
		return zw.Copy(f)
	}
	stats.Classes++

	data, err := readEntry(f)
	if err != nil {
		return err
	}

	out, action, err := t.TransformClass(data)
	switch action {
	case ActionRemove:
		stats.Removed++
		return nil
	case ActionSkip:
		stats.Skipped++
		t.logger.WithFields(logrus.Fields{"entry": f.Name}).Warnf("Keeping class unchanged: %v", err)
		return zw.Copy(f)
	case ActionKeep:
		return zw.Copy(f)
	}

	stats.Rewritten++
	header := f.FileHeader
	hw, err := zw.CreateHeader(&header)
	if err != nil {
		return err
	}
	_, err = hw.Write(out)
	return err
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// IsArchive reports whether path looks like a zip archive
func IsArchive(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var sig [4]byte
	if _, err := io.ReadFull(f, sig[:]); err != nil {
		return false
	}
	return string(sig[:]) == "PK\x03\x04"
}
