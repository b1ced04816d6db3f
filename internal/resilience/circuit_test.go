package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// memBreakerStore is an in-memory BreakerStore.
type memBreakerStore struct {
	mu    sync.Mutex
	snaps map[model.SourceID]model.CircuitSnapshot
	saves int
}

func newMemBreakerStore() *memBreakerStore {
	return &memBreakerStore{snaps: make(map[model.SourceID]model.CircuitSnapshot)}
}

func (m *memBreakerStore) LoadCircuit(_ context.Context, source model.SourceID) (*model.CircuitSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[source]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *memBreakerStore) SaveCircuit(_ context.Context, source model.SourceID, snap model.CircuitSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[source] = snap
	m.saves++
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, store BreakerStore) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(model.SourceMetron, CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
	}, store)
	cb.nowFunc = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAtExactlyThreshold(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(3, nil)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after 2 failures, got %s", cb.State())
	}
	if !cb.CanExecute(ctx) {
		t.Fatal("closed circuit should admit requests")
	}

	cb.RecordFailure(ctx)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if cb.CanExecute(ctx) {
		t.Error("open circuit should reject requests")
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(3, nil)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	cb.RecordSuccess(ctx)
	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	if cb.State() != CircuitClosed {
		t.Errorf("non-consecutive failures should not open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(1, nil)

	cb.RecordFailure(ctx)
	clock.Advance(59 * time.Second)
	if cb.CanExecute(ctx) {
		t.Fatal("should stay open before recovery timeout")
	}

	clock.Advance(time.Second)
	if !cb.CanExecute(ctx) {
		t.Fatal("first request after timeout should be admitted as probe")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}
	if cb.CanExecute(ctx) {
		t.Error("second concurrent request must be rejected while probe in flight")
	}

	cb.RecordSuccess(ctx)
	if cb.State() != CircuitClosed {
		t.Errorf("probe success should close the circuit, got %s", cb.State())
	}
	if !cb.CanExecute(ctx) {
		t.Error("closed circuit should admit requests")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(2, nil)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	clock.Advance(time.Minute)
	if !cb.CanExecute(ctx) {
		t.Fatal("expected probe to be admitted")
	}

	cb.RecordFailure(ctx)
	if cb.State() != CircuitOpen {
		t.Fatalf("probe failure should reopen, got %s", cb.State())
	}
	if cb.CanExecute(ctx) {
		t.Error("reopened circuit should wait a full timeout again")
	}
}

func TestCircuitBreaker_ReleaseFreesProbe(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(1, nil)

	cb.RecordFailure(ctx)
	clock.Advance(time.Minute)
	if !cb.CanExecute(ctx) {
		t.Fatal("expected probe")
	}
	cb.Release()
	if !cb.CanExecute(ctx) {
		t.Error("released probe slot should be reusable")
	}
}

func TestCircuitBreaker_ConcurrentProbe(t *testing.T) {
	ctx := context.Background()
	cb, clock := newTestBreaker(1, nil)
	cb.RecordFailure(ctx)
	clock.Advance(time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.CanExecute(ctx) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 {
		t.Errorf("expected exactly 1 probe admitted, got %d", admitted.Load())
	}
}

func TestCircuitBreaker_PersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := newMemBreakerStore()
	cb, clock := newTestBreaker(2, store)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	snap := store.snaps[model.SourceMetron]
	if snap.State != "open" || snap.ConsecutiveFailures != 2 || snap.OpenedAt == nil {
		t.Fatalf("unexpected persisted snapshot: %+v", snap)
	}

	// A fresh process restores the open circuit and keeps rejecting.
	restored, _ := newTestBreaker(2, store)
	restored.nowFunc = clock.Now
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.State() != CircuitOpen {
		t.Fatalf("expected restored open state, got %s", restored.State())
	}
	if restored.CanExecute(ctx) {
		t.Error("restored open circuit should reject before timeout")
	}

	clock.Advance(time.Minute)
	if !restored.CanExecute(ctx) {
		t.Error("restored circuit should probe after timeout measured from original opened_at")
	}
}

func TestCircuitBreaker_RestoreHalfOpenAsOpen(t *testing.T) {
	ctx := context.Background()
	store := newMemBreakerStore()
	opened := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	store.snaps[model.SourceMetron] = model.CircuitSnapshot{State: "half-open", ConsecutiveFailures: 5, OpenedAt: &opened}

	cb, _ := newTestBreaker(5, store)
	if err := cb.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	ctx := context.Background()
	cb, _ := newTestBreaker(1, nil)

	notFound := NewPermanentError(errors.New("missing"), 404)
	if err := cb.Execute(ctx, func(context.Context) error { return notFound }); !errors.Is(err, notFound) {
		t.Fatalf("expected passthrough error, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatal("not found must not trip the breaker")
	}

	_ = cb.Execute(ctx, func(context.Context) error { return NewTransientError(errors.New("503"), 503) })
	if cb.State() != CircuitOpen {
		t.Fatal("transient failure should trip the breaker")
	}

	err := cb.Execute(ctx, func(context.Context) error {
		t.Error("should not be called when open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	ctx := context.Background()
	var transitions []string
	cb := NewCircuitBreaker(model.SourceGCD, CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(source model.SourceID, from, to CircuitState) {
			transitions = append(transitions, string(source)+":"+from.String()+"->"+to.String())
		},
	}, nil)

	cb.RecordFailure(ctx)
	cb.Reset(ctx)

	want := []string{"gcd:closed->open", "gcd:open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestBreakers_GetAndLoad(t *testing.T) {
	ctx := context.Background()
	store := newMemBreakerStore()
	opened := time.Now().UTC()
	store.snaps[model.SourceComicVine] = model.CircuitSnapshot{State: "open", ConsecutiveFailures: 5, OpenedAt: &opened}

	b := NewBreakers(DefaultCircuitBreakerConfig(), store)
	if err := b.Load(ctx, []model.SourceID{model.SourceComicVine, model.SourceGCD}); err != nil {
		t.Fatal(err)
	}
	if b.Get(model.SourceComicVine) != b.Get(model.SourceComicVine) {
		t.Error("Get should return the same breaker")
	}

	states := b.States()
	if states[model.SourceComicVine] != CircuitOpen {
		t.Errorf("expected comicvine open, got %s", states[model.SourceComicVine])
	}
	if states[model.SourceGCD] != CircuitClosed {
		t.Errorf("expected gcd closed, got %s", states[model.SourceGCD])
	}
	if got := b.Sources(); len(got) != 2 || got[0] != model.SourceComicVine {
		t.Errorf("unexpected sources %v", got)
	}
}

func TestParseCircuitState(t *testing.T) {
	for _, s := range []CircuitState{CircuitClosed, CircuitOpen, CircuitHalfOpen} {
		if ParseCircuitState(s.String()) != s {
			t.Errorf("round trip failed for %s", s)
		}
	}
	if ParseCircuitState("half-open") != CircuitHalfOpen {
		t.Error("hyphenated half-open should still parse")
	}
	if ParseCircuitState("bogus") != CircuitClosed {
		t.Error("unknown state should parse as closed")
	}
}

func TestCircuitBreaker_PersistsHalfOpenWithUnderscore(t *testing.T) {
	ctx := context.Background()
	store := newMemBreakerStore()
	cb, clock := newTestBreaker(1, store)

	cb.RecordFailure(ctx)
	clock.Advance(time.Minute)
	if !cb.CanExecute(ctx) {
		t.Fatal("expected probe to be admitted")
	}
	if got := store.snaps[model.SourceMetron].State; got != "half_open" {
		t.Errorf("persisted state = %q, want half_open", got)
	}
	if got := CircuitHalfOpen.String(); got != "half_open" {
		t.Errorf("String() = %q, want half_open", got)
	}
}
