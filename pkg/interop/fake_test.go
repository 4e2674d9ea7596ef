package interop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/platinummonkey/extbridge/pkg/extension"
)

type fakeInstance struct {
	binding Binding
	closes  atomic.Int32
	// block, when set, holds Invoke until closed
	block chan struct{}
}

func (f *fakeInstance) Sources(ctx context.Context) ([]extension.Source, error) {
	return []extension.Source{{ID: f.binding.EntryID, Name: f.binding.Name, Language: "en"}}, nil
}

func (f *fakeInstance) LoadPreferences(ctx context.Context, sourceID string) ([]Preference, error) {
	return []Preference{{Key: "version", Type: "text", Value: json.RawMessage(`"` + f.binding.Version + `"`)}}, nil
}

func (f *fakeInstance) SavePreferences(ctx context.Context, sourceID string, prefs []Preference) error {
	return nil
}

func (f *fakeInstance) Invoke(ctx context.Context, sourceID, op string, args json.RawMessage) (json.RawMessage, error) {
	if f.block != nil {
		<-f.block
	}
	if f.closes.Load() > 0 {
		return nil, errors.New("invoked after close")
	}
	return json.RawMessage(`"` + f.binding.Version + `"`), nil
}

func (f *fakeInstance) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeEngine struct {
	mu        sync.Mutex
	opened    []*fakeInstance
	failEntry string
	block     chan struct{}
}

func (e *fakeEngine) Open(ctx context.Context, b Binding) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.EntryID == e.failEntry {
		return nil, errors.New("cannot load")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	inst := &fakeInstance{binding: b, block: e.block}
	e.opened = append(e.opened, inst)
	return inst, nil
}

func (e *fakeEngine) instances() []*fakeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeInstance(nil), e.opened...)
}

func binding(group, entry, version string) Binding {
	return Binding{GroupID: group, EntryID: entry, Name: "Foo", Version: version, JarPath: "/tmp/" + entry + ".jar"}
}
