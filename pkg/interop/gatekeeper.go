package interop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/observability"
)

// Gatekeeper is an Extension whose underlying instance can be replaced
// while callers hold it. Calls share the gate; a swap takes it
// exclusively, so it waits for in-flight calls and holds back new ones.
type Gatekeeper struct {
	engine  Engine
	logger  *logrus.Logger
	metrics *observability.Metrics

	gate    sync.RWMutex
	binding Binding
	inst    Instance
	closed  bool
}

var _ Extension = (*Gatekeeper)(nil)

func newGatekeeper(engine Engine, logger *logrus.Logger, metrics *observability.Metrics) *Gatekeeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gatekeeper{engine: engine, logger: logger, metrics: metrics}
}

// OpenGatekeeper opens binding and returns a gatekeeper over it
func OpenGatekeeper(ctx context.Context, engine Engine, binding Binding, logger *logrus.Logger, metrics *observability.Metrics) (*Gatekeeper, error) {
	g := newGatekeeper(engine, logger, metrics)
	if err := g.Swap(ctx, binding); err != nil {
		return nil, err
	}
	return g, nil
}

// Swap opens binding and replaces the current instance with it. If the
// open fails the current instance stays in place.
func (g *Gatekeeper) Swap(ctx context.Context, binding Binding) error {
	g.gate.Lock()
	defer g.gate.Unlock()
	return g.swapLocked(ctx, binding)
}

func (g *Gatekeeper) swapLocked(ctx context.Context, binding Binding) error {
	if g.closed {
		return ErrClosed
	}

	inst, err := g.engine.Open(ctx, binding)
	if err != nil {
		g.metrics.RecordInteropEvent("error")
		return fmt.Errorf("failed to open %s v%s: %w", binding.Name, binding.Version, err)
	}

	old := g.inst
	g.inst = inst
	g.binding = binding

	if old == nil {
		g.metrics.RecordInteropEvent("open")
		g.logger.Debugf("Opened interop for %s v%s", binding.Name, binding.Version)
		return nil
	}

	g.metrics.RecordInteropEvent("swap")
	g.logger.Infof("Swapped interop for %s to v%s", binding.Name, binding.Version)
	if err := old.Close(); err != nil {
		g.logger.Warnf("Failed to close replaced interop for %s: %v", binding.Name, err)
	}
	return nil
}

// ensure makes the gatekeeper serve binding's entry, opening or swapping
// only when needed
func (g *Gatekeeper) ensure(ctx context.Context, binding Binding) error {
	g.gate.RLock()
	current := g.inst != nil && g.binding.EntryID == binding.EntryID
	closed := g.closed
	g.gate.RUnlock()
	if closed {
		return ErrClosed
	}
	if current {
		return nil
	}

	g.gate.Lock()
	defer g.gate.Unlock()
	if !g.closed && g.inst != nil && g.binding.EntryID == binding.EntryID {
		return nil
	}
	return g.swapLocked(ctx, binding)
}

// Binding returns the current binding and whether an instance is loaded
func (g *Gatekeeper) Binding() (Binding, bool) {
	g.gate.RLock()
	defer g.gate.RUnlock()
	return g.binding, g.inst != nil && !g.closed
}

func (g *Gatekeeper) isClosed() bool {
	g.gate.RLock()
	defer g.gate.RUnlock()
	return g.closed
}

// ID returns the id of the bound entry
func (g *Gatekeeper) ID() string {
	b, _ := g.Binding()
	return b.EntryID
}

// Name returns the extension name
func (g *Gatekeeper) Name() string {
	b, _ := g.Binding()
	return b.Name
}

// Version returns the bound version
func (g *Gatekeeper) Version() string {
	b, _ := g.Binding()
	return b.Version
}

// enter takes the shared gate; the returned func releases it
func (g *Gatekeeper) enter() (Instance, func(), error) {
	g.gate.RLock()
	if g.closed || g.inst == nil {
		g.gate.RUnlock()
		return nil, nil, ErrClosed
	}
	return g.inst, g.gate.RUnlock, nil
}

// Sources implements Instance
func (g *Gatekeeper) Sources(ctx context.Context) ([]extension.Source, error) {
	inst, release, err := g.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return inst.Sources(ctx)
}

// LoadPreferences implements Instance
func (g *Gatekeeper) LoadPreferences(ctx context.Context, sourceID string) ([]Preference, error) {
	inst, release, err := g.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return inst.LoadPreferences(ctx, sourceID)
}

// SavePreferences implements Instance
func (g *Gatekeeper) SavePreferences(ctx context.Context, sourceID string, prefs []Preference) error {
	inst, release, err := g.enter()
	if err != nil {
		return err
	}
	defer release()
	return inst.SavePreferences(ctx, sourceID, prefs)
}

// Invoke implements Instance
func (g *Gatekeeper) Invoke(ctx context.Context, sourceID, op string, args json.RawMessage) (json.RawMessage, error) {
	inst, release, err := g.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	return inst.Invoke(ctx, sourceID, op, args)
}

// Close disposes the instance. Later calls return ErrClosed; closing
// again is a no-op.
func (g *Gatekeeper) Close() error {
	g.gate.Lock()
	defer g.gate.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	inst := g.inst
	g.inst = nil
	if inst == nil {
		return nil
	}
	g.metrics.RecordInteropEvent("close")
	return inst.Close()
}
