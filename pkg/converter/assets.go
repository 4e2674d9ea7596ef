package converter

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"

	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

const (
	assetsPrefix  = "assets/"
	metaInfPrefix = "META-INF/"
)

// MergeAssets copies the package's assets/ entries into the jar and drops
// the jar's META-INF/ entries. An asset wins over a jar entry of the same
// name. The jar is replaced atomically.
func MergeAssets(apkPath, jarPath string) error {
	apk, err := zip.OpenReader(apkPath)
	if err != nil {
		return fmt.Errorf("failed to open package: %w", err)
	}
	defer apk.Close()

	jar, err := zip.OpenReader(jarPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer jar.Close()

	var assets []*zip.File
	names := make(map[string]bool)
	for _, f := range apk.File {
		if !strings.HasPrefix(f.Name, assetsPrefix) || strings.HasSuffix(f.Name, "/") {
			continue
		}
		assets = append(assets, f)
		names[f.Name] = true
	}

	return workfolder.WriteAtomic(jarPath, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, f := range jar.File {
			if strings.HasPrefix(f.Name, metaInfPrefix) || names[f.Name] {
				continue
			}
			if err := zw.Copy(f); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
		}
		for _, f := range assets {
			if err := zw.Copy(f); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
		}
		return zw.Close()
	})
}
