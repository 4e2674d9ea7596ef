package converter

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

// TestHelperProcess stands in for dex2jar when invoked by the tests below
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: -- <mode> <apk> <jar>")
		os.Exit(2)
	}
	mode, jar := args[1], args[3]

	switch mode {
	case "ok":
		writeArchive(jar, map[string]string{
			"META-INF/MANIFEST.MF":     "Manifest-Version: 1.0\n",
			"com/example/Source.class": "\xCA\xFE\xBA\xBE",
			"assets/override.txt":      "from jar",
		})
	case "errors":
		writeArchive(jar, map[string]string{"a.class": "x"})
		fmt.Fprintln(os.Stderr, "Detail Error Information in File ./ext-error.zip")
	case "fail":
		fmt.Fprintln(os.Stderr, "ERROR: cannot read dex")
		os.Exit(1)
	case "noop":
	case "sleep":
		time.Sleep(10 * time.Second)
	}
	os.Exit(0)
}

func writeArchive(path string, entries map[string]string) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		panic(err)
	}
}

func readArchive(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func helperConverter(mode string, timeout time.Duration) *CommandConverter {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewCommandConverter(Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--", mode, "{apk}", "{jar}"},
		Env:     []string{"GO_WANT_HELPER_PROCESS=1"},
		Timeout: timeout,
	}, logger)
}

func newUnit(t *testing.T) *workfolder.WorkUnit {
	t.Helper()
	root := t.TempDir()
	s, err := workfolder.New(filepath.Join(root, "work"), filepath.Join(root, "tmp"))
	require.NoError(t, err)

	unit, err := workfolder.NewWorkUnit(s, &extension.Entry{
		Apk: extension.FileHash{FileName: "tachiyomi-en.foo-v1.4.2.apk"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { unit.Close() })

	writeArchive(unit.ApkPath(), map[string]string{
		"classes.dex":         "dex\n035",
		"AndroidManifest.xml": "binary",
		"assets/override.txt": "from apk",
		"assets/i18n/en.json": `{"hello":"world"}`,
	})
	return unit
}

func TestCommandConverter_Convert(t *testing.T) {
	unit := newUnit(t)
	c := helperConverter("ok", time.Minute)

	require.NoError(t, c.Convert(context.Background(), unit))

	got := readArchive(t, unit.JarPath())
	assert.NotContains(t, got, "META-INF/MANIFEST.MF")
	assert.Equal(t, "\xCA\xFE\xBA\xBE", got["com/example/Source.class"])
	assert.Equal(t, "from apk", got["assets/override.txt"])
	assert.Equal(t, `{"hello":"world"}`, got["assets/i18n/en.json"])
	assert.NotContains(t, got, "classes.dex")
	assert.Equal(t, Version, c.Version())
}

func TestCommandConverter_Failures(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr error
	}{
		{mode: "fail"},
		{mode: "errors"},
		{mode: "noop", wantErr: ErrNoOutput},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			unit := newUnit(t)
			err := helperConverter(tt.mode, time.Minute).Convert(context.Background(), unit)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCommandConverter_Timeout(t *testing.T) {
	unit := newUnit(t)
	err := helperConverter("sleep", 100*time.Millisecond).Convert(context.Background(), unit)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandConverter_MissingPackage(t *testing.T) {
	c := helperConverter("ok", time.Minute)

	assert.ErrorIs(t, c.Convert(context.Background(), nil), ErrNoPackage)

	unit := newUnit(t)
	require.NoError(t, os.Remove(unit.ApkPath()))
	assert.ErrorIs(t, c.Convert(context.Background(), unit), ErrNoPackage)
}

func TestMergeAssets(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "a.apk")
	jar := filepath.Join(dir, "a.jar")
	writeArchive(apk, map[string]string{
		"assets/":            "",
		"assets/data.bin":    "data",
		"res/drawable/i.png": "png",
		"META-INF/CERT.RSA":  "sig",
	})
	writeArchive(jar, map[string]string{
		"META-INF/MANIFEST.MF": "m",
		"x/Y.class":            "y",
	})

	require.NoError(t, MergeAssets(apk, jar))
	assert.Equal(t, map[string]string{
		"x/Y.class":       "y",
		"assets/data.bin": "data",
	}, readArchive(t, jar))
}

func TestMergeAssets_BadInput(t *testing.T) {
	dir := t.TempDir()
	jar := filepath.Join(dir, "a.jar")
	writeArchive(jar, map[string]string{"x": "y"})

	assert.Error(t, MergeAssets(filepath.Join(dir, "missing.apk"), jar))
	assert.Error(t, MergeAssets(jar, filepath.Join(dir, "missing.jar")))
}
