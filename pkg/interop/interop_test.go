package interop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestGatekeeper_SwapIsTransparent(t *testing.T) {
	engine := &fakeEngine{}
	ctx := context.Background()

	g, err := OpenGatekeeper(ctx, engine, binding("g", "e1", "1.4.1"), quietLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, "e1", g.ID())
	assert.Equal(t, "Foo", g.Name())

	out, err := g.Invoke(ctx, "src", "version", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"1.4.1"`, string(out))

	require.NoError(t, g.Swap(ctx, binding("g", "e2", "1.4.2")))
	out, err = g.Invoke(ctx, "src", "version", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"1.4.2"`, string(out))
	assert.Equal(t, "1.4.2", g.Version())

	opened := engine.instances()
	require.Len(t, opened, 2)
	assert.EqualValues(t, 1, opened[0].closes.Load(), "old instance closed on swap")
	assert.EqualValues(t, 0, opened[1].closes.Load())
}

func TestGatekeeper_FailedSwapKeepsOld(t *testing.T) {
	engine := &fakeEngine{failEntry: "bad"}
	ctx := context.Background()

	g, err := OpenGatekeeper(ctx, engine, binding("g", "e1", "1.4.1"), quietLogger(), nil)
	require.NoError(t, err)

	err = g.Swap(ctx, binding("g", "bad", "1.4.9"))
	require.Error(t, err)

	b, ok := g.Binding()
	require.True(t, ok)
	assert.Equal(t, "e1", b.EntryID)
	_, err = g.Sources(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, engine.instances()[0].closes.Load())
}

func TestGatekeeper_CloseOnce(t *testing.T) {
	engine := &fakeEngine{}
	ctx := context.Background()

	g, err := OpenGatekeeper(ctx, engine, binding("g", "e1", "1.4.1"), quietLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.EqualValues(t, 1, engine.instances()[0].closes.Load())

	_, err = g.Sources(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = g.LoadPreferences(ctx, "src")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, g.SavePreferences(ctx, "src", nil), ErrClosed)
	assert.ErrorIs(t, g.Swap(ctx, binding("g", "e2", "1.4.2")), ErrClosed)
}

func TestGatekeeper_SwapWaitsForInFlightCalls(t *testing.T) {
	block := make(chan struct{})
	engine := &fakeEngine{block: block}
	ctx := context.Background()

	g, err := OpenGatekeeper(ctx, engine, binding("g", "e1", "1.4.1"), quietLogger(), nil)
	require.NoError(t, err)
	engine.block = nil

	var wg sync.WaitGroup
	wg.Add(1)
	var callErr error
	go func() {
		defer wg.Done()
		_, callErr = g.Invoke(ctx, "src", "slow", nil)
	}()

	// Let the call take the gate
	time.Sleep(50 * time.Millisecond)

	swapped := make(chan error, 1)
	go func() { swapped <- g.Swap(ctx, binding("g", "e2", "1.4.2")) }()

	select {
	case <-swapped:
		t.Fatal("swap finished while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	wg.Wait()
	require.NoError(t, <-swapped)
	assert.NoError(t, callErr, "old instance not closed under a running call")
}

func TestCache_GetBindsAndSwaps(t *testing.T) {
	engine := &fakeEngine{}
	cache := NewCache(engine, quietLogger(), nil)
	ctx := context.Background()

	g1, err := cache.Get(ctx, binding("g", "e1", "1.4.1"))
	require.NoError(t, err)
	again, err := cache.Get(ctx, binding("g", "e1", "1.4.1"))
	require.NoError(t, err)
	assert.Same(t, g1, again)
	assert.Len(t, engine.instances(), 1, "same entry does not reopen")

	g2, err := cache.Get(ctx, binding("g", "e2", "1.4.2"))
	require.NoError(t, err)
	assert.Same(t, g1, g2, "swapped in place")

	out, err := g1.Invoke(ctx, "src", "version", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"1.4.2"`, string(out), "old handle sees the new version")

	b, ok := cache.Bound("g")
	require.True(t, ok)
	assert.Equal(t, "e2", b.EntryID)
	_, ok = cache.Bound("other")
	assert.False(t, ok)
}

func TestCache_FailedOpenLeavesNoSlot(t *testing.T) {
	engine := &fakeEngine{failEntry: "bad"}
	cache := NewCache(engine, quietLogger(), nil)

	_, err := cache.Get(context.Background(), binding("g", "bad", "1.0"))
	require.Error(t, err)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Dispose(t *testing.T) {
	engine := &fakeEngine{}
	cache := NewCache(engine, quietLogger(), nil)
	ctx := context.Background()

	g, err := cache.Get(ctx, binding("a", "e1", "1.0"))
	require.NoError(t, err)
	_, err = cache.Get(ctx, binding("b", "e2", "1.0"))
	require.NoError(t, err)

	assert.True(t, cache.Dispose("a"))
	assert.False(t, cache.Dispose("a"))
	_, err = g.Sources(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// A fresh Get after dispose opens a new slot
	g2, err := cache.Get(ctx, binding("a", "e1", "1.0"))
	require.NoError(t, err)
	assert.NotSame(t, g, g2)

	cache.DisposeAll()
	assert.Equal(t, 0, cache.Len())
	for _, inst := range engine.instances() {
		assert.EqualValues(t, 1, inst.closes.Load())
	}
}

func TestCache_ConcurrentGroups(t *testing.T) {
	engine := &fakeEngine{}
	cache := NewCache(engine, quietLogger(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			group := []string{"a", "b", "c", "d"}[i%4]
			g, err := cache.Get(ctx, binding(group, group+"-e", "1.0"))
			if assert.NoError(t, err) {
				_, err = g.Sources(ctx)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, cache.Len())
	assert.Len(t, engine.instances(), 4)
}

func TestIntrospect(t *testing.T) {
	engine := &fakeEngine{}
	sources, err := Introspect(context.Background(), engine, binding("g", "e1", "1.0"))
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "e1", sources[0].ID)
	assert.EqualValues(t, 1, engine.instances()[0].closes.Load())
}

func TestPreference_JSON(t *testing.T) {
	var p Preference
	require.NoError(t, json.Unmarshal([]byte(`{"key":"k","type":"list","value":"a","entries":["A"],"entryValues":["a"]}`), &p))
	assert.Equal(t, "k", p.Key)
	assert.JSONEq(t, `"a"`, string(p.Value))
	assert.Equal(t, []string{"a"}, p.EntryValues)
}

func TestCache_ConcurrentDisposeClosesEachInstanceOnce(t *testing.T) {
	engine := &fakeEngine{}
	cache := NewCache(engine, quietLogger(), nil)
	ctx := context.Background()

	const (
		callers    = 8
		iterations = 200
	)
	groups := []string{"g1", "g2", "g3"}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, callers*iterations)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < iterations; n++ {
				group := groups[(i+n)%len(groups)]
				// alternating entries forces swaps as well as opens
				entry := group + "-e" + string(rune('1'+n%2))
				g, err := cache.Get(ctx, binding(group, entry, "1.0"))
				if err != nil {
					errs <- err
					continue
				}
				if _, err := g.Invoke(ctx, "src", "version", nil); err != nil && !errors.Is(err, ErrClosed) {
					errs <- err
				}
			}
		}(i)
	}

	disposed := make(chan struct{})
	go func() {
		defer close(disposed)
		for n := 0; ; n++ {
			select {
			case <-stop:
				return
			default:
			}
			if n%5 == 0 {
				cache.DisposeAll()
			} else {
				cache.Dispose(groups[n%len(groups)])
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-disposed
	cache.DisposeAll()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, cache.Len())

	opened := engine.instances()
	require.NotEmpty(t, opened)
	for _, inst := range opened {
		assert.EqualValues(t, 1, inst.closes.Load(), "instance %s v%s", inst.binding.EntryID, inst.binding.Version)
	}
}
