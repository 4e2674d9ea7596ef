// Package apk reads the binary manifest and launcher icon of an
// extension package.
package apk

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/shogo82148/androidbinary"
	"github.com/sirupsen/logrus"
)

const (
	manifestEntry  = "AndroidManifest.xml"
	resourcesEntry = "resources.arsc"
)

// ErrNotPackage is returned for archives without a binary manifest
var ErrNotPackage = errors.New("not an android package")

type xmlManifest struct {
	Package      string      `xml:"package,attr"`
	VersionCode  string      `xml:"http://schemas.android.com/apk/res/android versionCode,attr"`
	VersionName  string      `xml:"http://schemas.android.com/apk/res/android versionName,attr"`
	UsesFeatures []xmlNamed  `xml:"uses-feature"`
	Application  xmlAppBlock `xml:"application"`
}

type xmlNamed struct {
	Name string `xml:"http://schemas.android.com/apk/res/android name,attr"`
}

type xmlAppBlock struct {
	Label    string        `xml:"http://schemas.android.com/apk/res/android label,attr"`
	Icon     string        `xml:"http://schemas.android.com/apk/res/android icon,attr"`
	MetaData []xmlMetaData `xml:"meta-data"`
}

type xmlMetaData struct {
	Name  string `xml:"http://schemas.android.com/apk/res/android name,attr"`
	Value string `xml:"http://schemas.android.com/apk/res/android value,attr"`
}

type xmlAdaptiveIcon struct {
	Background xmlDrawable `xml:"background"`
	Foreground xmlDrawable `xml:"foreground"`
}

type xmlDrawable struct {
	Drawable string `xml:"http://schemas.android.com/apk/res/android drawable,attr"`
}

// toManifest converts the decoded XML, resolving resource references
func (x *xmlManifest) toManifest(resolve func(string) string) (Manifest, error) {
	m := Manifest{
		Package:     x.Package,
		Label:       resolve(x.Application.Label),
		VersionName: resolve(x.VersionName),
		MetaData:    make(map[string]string, len(x.Application.MetaData)),
	}
	if x.VersionCode != "" {
		code, err := strconv.Atoi(x.VersionCode)
		if err != nil {
			return m, fmt.Errorf("invalid versionCode %q", x.VersionCode)
		}
		m.VersionCode = code
	}
	for _, f := range x.UsesFeatures {
		if f.Name != "" {
			m.Features = append(m.Features, f.Name)
		}
	}
	for _, md := range x.Application.MetaData {
		m.MetaData[md.Name] = resolve(md.Value)
	}
	return m, nil
}

// Package is a parsed extension package
type Package struct {
	Manifest Manifest
	// Icon is the selected icon with its data, nil when none was found
	Icon *Icon
}

type archive struct {
	files map[string]*zip.File
	names []string
	table *androidbinary.TableFile
}

func (a *archive) read(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("%s not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// resolve turns "@0x7f..." references into their default value
func (a *archive) resolve(s string) string {
	if a.table == nil || !androidbinary.IsResID(s) {
		return s
	}
	id, err := androidbinary.ParseResID(s)
	if err != nil {
		return s
	}
	v, err := a.table.GetResource(id, &androidbinary.ResTableConfig{})
	if err != nil {
		return s
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

func (a *archive) decodeXML(name string, v interface{}) error {
	data, err := a.read(name)
	if err != nil {
		return err
	}
	xf, err := androidbinary.NewXMLFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return xml.NewDecoder(xf.Reader()).Decode(v)
}

// adaptiveLayer returns the drawable an adaptive icon is drawn from:
// the foreground layer, else the background
func (a *archive) adaptiveLayer(name string) string {
	var icon xmlAdaptiveIcon
	if err := a.decodeXML(name, &icon); err != nil {
		return ""
	}
	if icon.Foreground.Drawable != "" {
		return a.resolve(icon.Foreground.Drawable)
	}
	return a.resolve(icon.Background.Drawable)
}

// Parse reads the manifest and icon of the package in r
func Parse(r io.ReaderAt, size int64, maxIconDensity int) (*Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPackage, err)
	}

	a := &archive{files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		a.files[f.Name] = f
		a.names = append(a.names, f.Name)
	}
	sort.Strings(a.names)
	if _, ok := a.files[manifestEntry]; !ok {
		return nil, ErrNotPackage
	}

	if _, ok := a.files[resourcesEntry]; ok {
		data, err := a.read(resourcesEntry)
		if err != nil {
			return nil, err
		}
		table, err := androidbinary.NewTableFile(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", resourcesEntry, err)
		}
		a.table = table
	}

	var xm xmlManifest
	if err := a.decodeXML(manifestEntry, &xm); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	manifest, err := xm.toManifest(a.resolve)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	pkg := &Package{Manifest: manifest}

	candidates := iconCandidates(a.names, a.resolve(xm.Application.Icon), a.adaptiveLayer)
	if icon, ok := SelectIcon(candidates, maxIconDensity); ok {
		data, err := a.read(icon.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read icon: %w", err)
		}
		icon.Data = data
		pkg.Icon = &icon
	}
	return pkg, nil
}

// iconCandidates lists every bitmap the icon resource at ref can be drawn
// from. Adaptive icon definitions contribute the variants of their layer.
func iconCandidates(files []string, ref string, adaptiveLayer func(string) string) []Icon {
	if ref == "" || strings.HasPrefix(ref, "@") {
		return nil
	}

	var icons []Icon
	for _, p := range variants(files, ref) {
		_, ext, density, ok := resourceName(p)
		if !ok {
			if isBitmap(p) {
				icons = append(icons, Icon{Path: p, Density: densities["mdpi"]})
			}
			continue
		}
		if ext != "xml" {
			icons = append(icons, Icon{Path: p, Density: density})
			continue
		}

		layer := adaptiveLayer(p)
		if layer == "" || strings.HasPrefix(layer, "@") {
			continue
		}
		for _, lp := range variants(files, layer) {
			if _, _, d, ok := resourceName(lp); ok && isBitmap(lp) {
				icons = append(icons, Icon{Path: lp, Density: d, Adaptive: true})
			}
		}
	}
	return icons
}

// Parser parses and validates packages
type Parser struct {
	limits         Limits
	maxIconDensity int
	logger         *logrus.Logger
}

// NewParser creates a parser enforcing limits
func NewParser(limits Limits, logger *logrus.Logger) *Parser {
	if logger == nil {
		logger = logrus.New()
	}
	return &Parser{limits: limits, maxIconDensity: DefaultMaxIconDensity, logger: logger}
}

// Inspect parses the package in r and rejects it with a *ValidationError
// when it is not a supported extension
func (p *Parser) Inspect(r io.ReaderAt, size int64) (*Package, error) {
	pkg, err := Parse(r, size, p.maxIconDensity)
	if err != nil {
		return nil, &ValidationError{Field: "package", Message: err.Error()}
	}

	if errs := ValidateManifest(&pkg.Manifest, p.limits); len(errs) > 0 {
		for _, e := range errs[1:] {
			p.logger.Warnf("Package %s: %s", pkg.Manifest.Package, e.Message)
		}
		return nil, &errs[0]
	}
	return pkg, nil
}
