// Package resilience provides persisted circuit breakers, retry with backoff
// and error classification for calls to external sources.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state: requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures: requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseCircuitState is the inverse of String. It also reads the hyphenated
// "half-open" written by older releases. Unknown values map to closed.
func ParseCircuitState(s string) CircuitState {
	switch s {
	case "open":
		return CircuitOpen
	case "half_open", "half-open":
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerStore persists breaker state so a restart does not forget a known-bad source.
type BreakerStore interface {
	LoadCircuit(ctx context.Context, source model.SourceID) (*model.CircuitSnapshot, error)
	SaveCircuit(ctx context.Context, source model.SourceID, snap model.CircuitSnapshot) error
}

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before transitioning
	// to half-open. Default: 5m.
	ResetTimeout time.Duration

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(source model.SourceID, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     5 * time.Minute,
	}
}

// CircuitBreaker guards one source. Every state change is written through
// to the BreakerStore when one is configured.
type CircuitBreaker struct {
	source model.SourceID
	cfg    CircuitBreakerConfig
	store  BreakerStore

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a closed breaker for source. store may be nil.
func NewCircuitBreaker(source model.SourceID, cfg CircuitBreakerConfig, store BreakerStore) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Minute
	}
	return &CircuitBreaker{
		source:  source,
		cfg:     cfg,
		store:   store,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Restore loads the persisted state. A half-open state is restored as open
// with its original opened_at, since no probe can be in flight after a restart.
func (cb *CircuitBreaker) Restore(ctx context.Context) error {
	if cb.store == nil {
		return nil
	}
	snap, err := cb.store.LoadCircuit(ctx, cb.source)
	if err != nil {
		return eris.Wrapf(err, "resilience: load circuit %s", cb.source)
	}
	if snap == nil {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = ParseCircuitState(snap.State)
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
	}
	cb.consecutiveFailures = snap.ConsecutiveFailures
	if snap.OpenedAt != nil {
		cb.openedAt = *snap.OpenedAt
	} else if cb.state == CircuitOpen {
		cb.openedAt = cb.nowFunc()
	}
	return nil
}

// CanExecute reports whether a request may be sent now. An open circuit past
// its recovery timeout moves to half-open and admits exactly one probe.
func (cb *CircuitBreaker) CanExecute(ctx context.Context) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false
		}
		cb.transition(ctx, CircuitHalfOpen)
		cb.probeInFlight = true
		return true
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes a half-open circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.consecutiveFailures = 0
		cb.probeInFlight = false
		cb.transition(ctx, CircuitClosed)
	case CircuitClosed:
		if cb.consecutiveFailures > 0 {
			cb.consecutiveFailures = 0
			cb.persist(ctx)
		}
	}
}

// RecordFailure counts a failure. The circuit opens on reaching the
// threshold while closed, or on any failure while half-open.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.nowFunc()
			cb.transition(ctx, CircuitOpen)
			return
		}
	case CircuitHalfOpen:
		cb.openedAt = cb.nowFunc()
		cb.probeInFlight = false
		cb.transition(ctx, CircuitOpen)
		return
	}
	cb.persist(ctx)
}

// Release returns an unused half-open probe slot, for callers that were
// admitted but then skipped the request (e.g. quota exhausted).
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
	}
}

// Execute runs fn through the breaker, returning ErrCircuitOpen when it is
// rejected. Only errors for which TripsBreaker is true count as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.CanExecute(ctx) {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if TripsBreaker(err) {
		cb.RecordFailure(ctx)
	} else {
		cb.RecordSuccess(ctx)
	}
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the persisted form of the current state.
func (cb *CircuitBreaker) Snapshot() model.CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

// Reset forces the circuit back to closed. Used for operator recovery.
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	if cb.state != CircuitClosed {
		cb.transition(ctx, CircuitClosed)
		return
	}
	cb.persist(ctx)
}

func (cb *CircuitBreaker) snapshotLocked() model.CircuitSnapshot {
	snap := model.CircuitSnapshot{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
	}
	if cb.state != CircuitClosed && !cb.openedAt.IsZero() {
		t := cb.openedAt.UTC()
		snap.OpenedAt = &t
	}
	return snap
}

func (cb *CircuitBreaker) transition(ctx context.Context, to CircuitState) {
	from := cb.state
	cb.state = to
	cb.persist(ctx)

	zap.L().Info("circuit state change",
		zap.String("source", string(cb.source)),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", cb.consecutiveFailures),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.source, from, to)
	}
}

func (cb *CircuitBreaker) persist(ctx context.Context) {
	if cb.store == nil {
		return
	}
	if err := cb.store.SaveCircuit(ctx, cb.source, cb.snapshotLocked()); err != nil {
		zap.L().Warn("resilience: persist circuit state",
			zap.String("source", string(cb.source)),
			zap.Error(err),
		)
	}
}

// Breakers is the per-source breaker registry shared by every job.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[model.SourceID]*CircuitBreaker
	cfg      CircuitBreakerConfig
	store    BreakerStore
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg CircuitBreakerConfig, store BreakerStore) *Breakers {
	return &Breakers{
		breakers: make(map[model.SourceID]*CircuitBreaker),
		cfg:      cfg,
		store:    store,
	}
}

// Load creates and restores a breaker for each source.
func (b *Breakers) Load(ctx context.Context, sources []model.SourceID) error {
	for _, s := range sources {
		if err := b.Get(s).Restore(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the breaker for source, creating one if needed.
func (b *Breakers) Get(source model.SourceID) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[source]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[source]; ok {
		return cb
	}
	cb = NewCircuitBreaker(source, b.cfg, b.store)
	b.breakers[source] = cb
	return cb
}

// States returns a snapshot of all breaker states.
func (b *Breakers) States() map[model.SourceID]CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	states := make(map[model.SourceID]CircuitState, len(b.breakers))
	for s, cb := range b.breakers {
		states[s] = cb.State()
	}
	return states
}

// Sources returns the registered sources in lexical order.
func (b *Breakers) Sources() []model.SourceID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.SourceID, 0, len(b.breakers))
	for s := range b.breakers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
