package extension

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// HashFile computes the FileHash of the file at path
func HashFile(ctx context.Context, path string) (FileHash, error) {
	if err := ctx.Err(); err != nil {
		return FileHash{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return FileHash{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return FileHash{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return FileHash{
		FileName: filepath.Base(path),
		SHA256:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// HashFileVersion computes the hash of path and stamps it with tool versions
func HashFileVersion(ctx context.Context, path, version, patchVersion string) (FileHashVersion, error) {
	h, err := HashFile(ctx, path)
	if err != nil {
		return FileHashVersion{}, err
	}
	return FileHashVersion{
		FileName:     h.FileName,
		SHA256:       h.SHA256,
		Version:      version,
		PatchVersion: patchVersion,
	}, nil
}

// HashBytes returns the hex sha256 of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
