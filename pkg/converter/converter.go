// Package converter turns a dex package into a jar with an external tool.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/extbridge/pkg/classfile"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

// Version tags jars produced by this converter. Bump it whenever the
// conversion output changes so stored jars are rebuilt.
const Version = "1.0.0"

var (
	// ErrNoPackage is returned when the work unit has no package to convert
	ErrNoPackage = errors.New("work unit has no package")

	// ErrNoOutput is returned when the converter exits cleanly without
	// producing a usable archive
	ErrNoOutput = errors.New("converter produced no archive")
)

// Config configures the external dex2jar command. Args may reference
// {apk} and {jar}, which are substituted per run.
type Config struct {
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	Env           []string      `yaml:"env"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
}

// DefaultConfig runs d2j-dex2jar from PATH, one conversion at a time
func DefaultConfig() Config {
	return Config{
		Command:       "d2j-dex2jar",
		Args:          []string{"--force", "--output", "{jar}", "{apk}"},
		Timeout:       5 * time.Minute,
		MaxConcurrent: 1,
	}
}

// CommandConverter runs an external dex2jar tool and merges the package
// assets into its output
type CommandConverter struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *logrus.Logger
}

// NewCommandConverter creates a converter for cfg
func NewCommandConverter(cfg Config, logger *logrus.Logger) *CommandConverter {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &CommandConverter{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger,
	}
}

// Version returns the converter version tag
func (c *CommandConverter) Version() string {
	return Version
}

// Convert runs the configured command against the unit's package
func (c *CommandConverter) Convert(ctx context.Context, unit *workfolder.WorkUnit) error {
	if unit == nil || unit.Entry == nil || unit.Entry.Apk.FileName == "" {
		return ErrNoPackage
	}
	apkPath := unit.ApkPath()
	jarPath := unit.JarPath()
	if !workfolder.FileExists(apkPath) {
		return fmt.Errorf("%w: %s not found", ErrNoPackage, apkPath)
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.logger.Infof("Starting dex2jar conversion for %s", unit.Entry.Apk.FileName)
	start := time.Now()

	if err := c.run(ctx, apkPath, jarPath); err != nil {
		return err
	}
	if !classfile.IsArchive(jarPath) {
		return ErrNoOutput
	}

	if err := MergeAssets(apkPath, jarPath); err != nil {
		return fmt.Errorf("failed to merge assets: %w", err)
	}

	c.logger.Infof("Converted %s in %v", unit.Entry.Apk.FileName, time.Since(start))
	return nil
}

func (c *CommandConverter) run(ctx context.Context, apkPath, jarPath string) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	replacer := strings.NewReplacer("{apk}", apkPath, "{jar}", jarPath)
	args := make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	cmd.Env = append(os.Environ(), c.cfg.Env...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Debugf("dex2jar output: %s", output.String())
		return fmt.Errorf("%s failed: %w: %s", c.cfg.Command, err, strings.TrimSpace(lastLine(output.String())))
	}

	// dex2jar reports per-method failures on stderr but still exits 0
	if strings.Contains(output.String(), "Detail Error Information") {
		return fmt.Errorf("%s reported translation errors", c.cfg.Command)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
