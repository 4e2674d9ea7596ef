package manager

import (
	"github.com/platinummonkey/extbridge/pkg/extension"
)

// LanguageAll marks an extension whose sources span several languages
const LanguageAll = "all"

// mergeSources reconciles the sources an extension reports with the ones
// known before. Known sources keep their position and id and take the
// reported fields; new sources are appended; the rest are returned as
// dropped.
func mergeSources(known, found []extension.Source) (merged, dropped []extension.Source) {
	byID := make(map[string]extension.Source, len(found))
	for _, s := range found {
		byID[s.ID] = s
	}

	seen := make(map[string]bool, len(found))
	merged = make([]extension.Source, 0, len(found))
	for _, k := range known {
		s, ok := byID[k.ID]
		if !ok {
			dropped = append(dropped, k)
			continue
		}
		if seen[k.ID] {
			continue
		}
		seen[k.ID] = true
		merged = append(merged, updateSource(k, s))
	}
	for _, s := range found {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		merged = append(merged, s)
	}
	return merged, dropped
}

func updateSource(k, s extension.Source) extension.Source {
	if s.Name != "" {
		k.Name = s.Name
	}
	if s.Language != "" {
		k.Language = s.Language
	}
	if s.BaseURL != "" {
		k.BaseURL = s.BaseURL
	}
	if s.VersionID != 0 {
		k.VersionID = s.VersionID
	}
	return k
}

// sourcesLanguage is the language shared by every source, or "all"
func sourcesLanguage(sources []extension.Source) string {
	lang := ""
	for i, s := range sources {
		if i == 0 {
			lang = s.Language
			continue
		}
		if s.Language != lang {
			return LanguageAll
		}
	}
	if lang == "" {
		return LanguageAll
	}
	return lang
}
