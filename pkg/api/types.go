package api

import "github.com/platinummonkey/extbridge/pkg/interop"

// InstallRequest installs a catalog extension by package file name
type InstallRequest struct {
	Apk   string `json:"apk"`
	Force bool   `json:"force"`
}

// ActiveRequest selects the active entry of a group
type ActiveRequest struct {
	Index *int `json:"index"`
}

// RepositoryRequest names an online catalog
type RepositoryRequest struct {
	URL string `json:"url"`
}

// ValidateResponse reports a repair pass
type ValidateResponse struct {
	Repaired int `json:"repaired"`
}

// PreferencesRequest replaces the preferences of one source
type PreferencesRequest struct {
	Preferences []interop.Preference `json:"preferences"`
}
