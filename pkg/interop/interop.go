// Package interop keeps one live handle per installed extension group and
// lets callers use it while it is swapped to another version underneath.
package interop

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/platinummonkey/extbridge/pkg/extension"
)

var (
	// ErrClosed is returned by calls on a disposed handle
	ErrClosed = errors.New("interop: closed")
	// ErrHostExited is returned when the host process is gone
	ErrHostExited = errors.New("interop: host process exited")
)

// Binding names the artifact an instance is opened from
type Binding struct {
	GroupID   string
	EntryID   string
	Name      string
	Version   string
	JarPath   string
	ClassName string
}

// Preference is one user-facing setting exposed by a source
type Preference struct {
	Key          string          `json:"key"`
	Type         string          `json:"type"`
	Title        string          `json:"title,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	DefaultValue json.RawMessage `json:"defaultValue,omitempty"`
	Entries      []string        `json:"entries,omitempty"`
	EntryValues  []string        `json:"entryValues,omitempty"`
}

// Instance is one loaded extension
type Instance interface {
	Sources(ctx context.Context) ([]extension.Source, error)
	LoadPreferences(ctx context.Context, sourceID string) ([]Preference, error)
	SavePreferences(ctx context.Context, sourceID string, prefs []Preference) error
	Invoke(ctx context.Context, sourceID, op string, args json.RawMessage) (json.RawMessage, error)
	Close() error
}

// Engine loads extension instances
type Engine interface {
	Open(ctx context.Context, binding Binding) (Instance, error)
}

// Extension is the capability surface handed to callers
type Extension interface {
	ID() string
	Name() string
	Version() string
	Instance
}

// Introspect opens a transient instance, lists its sources and closes it
func Introspect(ctx context.Context, engine Engine, binding Binding) ([]extension.Source, error) {
	inst, err := engine.Open(ctx, binding)
	if err != nil {
		return nil, err
	}
	defer inst.Close()
	return inst.Sources(ctx)
}
