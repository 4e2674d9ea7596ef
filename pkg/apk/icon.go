package apk

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxIconDensity is the largest icon density extracted (xxxhdpi)
const DefaultMaxIconDensity = 640

// Icon is one icon image found in a package
type Icon struct {
	Path    string
	Density int
	// Adaptive is set for a layer taken from an adaptive icon
	Adaptive bool
	Data     []byte
}

var densities = map[string]int{
	"ldpi":    120,
	"mdpi":    160,
	"tvdpi":   213,
	"hdpi":    240,
	"xhdpi":   320,
	"xxhdpi":  480,
	"xxxhdpi": 640,
}

// anyDensity marks resource folders that are not tied to a density
const anyDensity = -1

// resourcePath matches res/<type>[-qualifiers]/<name>.<ext>
var resourcePath = regexp.MustCompile(`^res/(drawable|mipmap)(-[^/]+)?/([^/]+)\.(png|webp|jpg|xml)$`)

// densityOf returns the density qualifier of a resource folder. Folders
// without one are mdpi; anydpi and nodpi folders return anyDensity.
func densityOf(qualifiers string) int {
	for _, q := range strings.Split(strings.TrimPrefix(qualifiers, "-"), "-") {
		if d, ok := densities[q]; ok {
			return d
		}
		if q == "anydpi" || q == "nodpi" {
			return anyDensity
		}
	}
	return densities["mdpi"]
}

// resourceName splits a resource path into its base name, extension and density
func resourceName(p string) (name, ext string, density int, ok bool) {
	m := resourcePath.FindStringSubmatch(p)
	if m == nil {
		return "", "", 0, false
	}
	return m[3], m[4], densityOf(m[2]), true
}

// variants returns every file in files that is a density variant of the
// resource at p, including p itself
func variants(files []string, p string) []string {
	name, _, _, ok := resourceName(p)
	if !ok {
		return []string{p}
	}
	var out []string
	for _, f := range files {
		if n, _, _, ok := resourceName(f); ok && n == name {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SelectIcon picks the icon to extract. Plain icons at or below maxDensity
// come first; adaptive layers only fill densities no plain icon covers.
// The highest remaining density wins.
func SelectIcon(icons []Icon, maxDensity int) (Icon, bool) {
	var pool []Icon
	seen := make(map[int]bool)
	for _, i := range icons {
		if !i.Adaptive && i.Density <= maxDensity {
			pool = append(pool, i)
			seen[i.Density] = true
		}
	}
	for _, i := range icons {
		if i.Adaptive && i.Density <= maxDensity && !seen[i.Density] {
			pool = append(pool, i)
			seen[i.Density] = true
		}
	}
	if len(pool) == 0 {
		return Icon{}, false
	}

	best := pool[0]
	for _, i := range pool[1:] {
		if i.Density > best.Density {
			best = i
		}
	}
	return best, true
}

func isBitmap(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".png", ".webp", ".jpg":
		return true
	}
	return false
}
