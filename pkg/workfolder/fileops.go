package workfolder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MoveOptions controls MoveFile retries
type MoveOptions struct {
	Retries int
	Delay   time.Duration
}

// DefaultMoveOptions retries five times with 500ms between attempts
func DefaultMoveOptions() MoveOptions {
	return MoveOptions{Retries: 5, Delay: 500 * time.Millisecond}
}

// renameFunc is swapped in tests to simulate a locked destination
var renameFunc = os.Rename

// MoveFile moves src to dst, overwriting dst. A failing rename is retried;
// when retries run out the file is copied instead and copied is true.
// A missing src is not an error.
func MoveFile(ctx context.Context, src, dst string, opts MoveOptions) (copied bool, err error) {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, fmt.Errorf("failed to create destination folder: %w", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Delay), uint64(opts.Retries)),
		ctx,
	)
	moveErr := backoff.Retry(func() error {
		return renameFunc(src, dst)
	}, policy)
	if moveErr == nil {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	if err := CopyFile(src, dst); err != nil {
		return false, fmt.Errorf("move failed (%v) and copy fallback failed: %w", moveErr, err)
	}
	return true, nil
}

// CopyFile copies src over dst through a temp file and rename
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	return WriteAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// WriteAtomic writes dst through a sibling temp file so readers never
// observe a partially written artifact.
func WriteAtomic(dst string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
