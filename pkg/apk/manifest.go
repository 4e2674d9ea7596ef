package apk

import (
	"fmt"
	"strconv"
	"strings"
)

// ExtensionFeature must be declared by every extension package
const ExtensionFeature = "tachiyomi.extension"

// Supported library versions, [min, max)
const (
	DefaultMinLibVersion = 1.3
	DefaultMaxLibVersion = 1.5
)

// Manifest holds the fields of AndroidManifest.xml an extension needs
type Manifest struct {
	Package     string            `json:"package"`
	Label       string            `json:"label"`
	VersionName string            `json:"versionName"`
	VersionCode int               `json:"versionCode"`
	Features    []string          `json:"features"`
	MetaData    map[string]string `json:"metaData"`
}

// HasFeature reports whether the manifest declares uses-feature name
func (m *Manifest) HasFeature(name string) bool {
	for _, f := range m.Features {
		if f == name {
			return true
		}
	}
	return false
}

// LibVersion is the extension library version encoded in versionName:
// everything before the last dot, e.g. 1.4 for 1.4.12
func (m *Manifest) LibVersion() (float64, error) {
	v := m.VersionName
	if i := strings.LastIndexByte(v, '.'); i > 0 {
		v = v[:i]
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("library version %q is not a number", v)
	}
	return f, nil
}

// Nsfw returns the value of the first meta-data key containing ".nsfw"
func (m *Manifest) Nsfw() int {
	for k, v := range m.MetaData {
		if strings.Contains(k, ".nsfw") {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

// ClassName returns the value of the meta-data key naming the entry class
func (m *Manifest) ClassName() string {
	for k, v := range m.MetaData {
		if strings.Contains(k, ".class") && !strings.Contains(k, ".nsfw") {
			return v
		}
	}
	return ""
}

// ValidationError describes why a package was rejected
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid package: %s: %s", e.Field, e.Message)
}

// Limits bounds the accepted library versions
type Limits struct {
	MinLibVersion float64
	MaxLibVersion float64
}

// DefaultLimits accepts library versions 1.3 up to but excluding 1.5
func DefaultLimits() Limits {
	return Limits{MinLibVersion: DefaultMinLibVersion, MaxLibVersion: DefaultMaxLibVersion}
}

// ValidateManifest checks the manifest belongs to a supported extension
func ValidateManifest(m *Manifest, limits Limits) []ValidationError {
	var errors []ValidationError

	if len(m.Features) == 0 {
		errors = append(errors, ValidationError{
			Field:   "uses-feature",
			Message: "Package does not declare any features",
		})
	} else if !m.HasFeature(ExtensionFeature) {
		errors = append(errors, ValidationError{
			Field:   "uses-feature",
			Message: fmt.Sprintf("Package is missing the %s feature", ExtensionFeature),
		})
	}

	if m.Package == "" {
		errors = append(errors, ValidationError{
			Field:   "package",
			Message: "Package name is required",
		})
	}

	if m.VersionName == "" {
		errors = append(errors, ValidationError{
			Field:   "versionName",
			Message: "Version name is required",
		})
	} else if lib, err := m.LibVersion(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "versionName",
			Message: err.Error(),
		})
	} else if lib < limits.MinLibVersion || lib >= limits.MaxLibVersion {
		errors = append(errors, ValidationError{
			Field: "versionName",
			Message: fmt.Sprintf("Library version %g is outside the supported range [%g, %g)",
				lib, limits.MinLibVersion, limits.MaxLibVersion),
		})
	}

	return errors
}
