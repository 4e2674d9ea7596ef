package extension

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strings"
)

var packageNamePattern = regexp.MustCompile(`(.*?)\.extension\.(.*)`)

// Name derives the group name from a descriptor: the apk file name
// without its "-v<version>.apk" suffix.
func Name(x Extension) string {
	suffix := "-v" + x.Version + ".apk"
	if x.Version != "" && strings.HasSuffix(x.Apk, suffix) {
		return strings.TrimSuffix(x.Apk, suffix)
	}

	base := strings.TrimSuffix(x.Apk, path.Ext(x.Apk))
	if idx := strings.LastIndex(base, "-v"); idx > 0 {
		return base[:idx]
	}
	return base
}

// CanonicalApkName builds the artifact name used on disk for a package
func CanonicalApkName(pkg, version string) string {
	if m := packageNamePattern.FindStringSubmatch(pkg); m != nil {
		base := strings.ReplaceAll(m[1], "eu.kanade.", "")
		return base + "-" + m[2] + "-v" + version + ".apk"
	}
	return pkg + "-v" + version + ".apk"
}

// IconName returns the icon file name paired with an apk
func IconName(apk string) string {
	return strings.TrimSuffix(apk, path.Ext(apk)) + ".png"
}

// JarName returns the converted archive name paired with an apk
func JarName(apk string) string {
	return strings.TrimSuffix(apk, path.Ext(apk)) + ".jar"
}

// DisplayName strips the host prefix extension labels carry
func DisplayName(label string) string {
	return strings.TrimSpace(strings.TrimPrefix(label, "Tachiyomi: "))
}

// NormalizeRepositoryURL strips index file names and trailing slashes from a catalog url
func NormalizeRepositoryURL(url string) string {
	url = strings.TrimSpace(url)
	lower := strings.ToLower(url)
	if strings.HasSuffix(lower, "index.json") {
		url = url[:len(url)-len("index.json")]
		lower = strings.ToLower(url)
	}
	if strings.HasSuffix(lower, "index.min.json") {
		url = url[:len(url)-len("index.min.json")]
	}
	return strings.TrimSuffix(url, "/")
}

// RepositoryID is the lowercase hex sha256 of the upper-cased url
func RepositoryID(url string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(url)))
	return hex.EncodeToString(sum[:])
}

// JoinURL appends path segments to a base url
func JoinURL(base string, segments ...string) string {
	if base == "" {
		return ""
	}
	out := strings.TrimRight(base, "/")
	for _, s := range segments {
		out += "/" + strings.Trim(s, "/")
	}
	return out
}

// ApkURL returns where a catalog serves the package of x
func ApkURL(repo Repository, x Extension) string {
	return JoinURL(NormalizeRepositoryURL(repo.URL), "apk", x.Apk)
}

// IconURL returns where a catalog serves the icon of x
func IconURL(repo Repository, x Extension) string {
	return JoinURL(NormalizeRepositoryURL(repo.URL), "icon", IconName(x.Apk))
}
