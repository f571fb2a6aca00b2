// Package breaker implements a persistent circuit breaker per external
// service. Circuits live in the store so state survives restarts; the
// registry serializes mutations per service name.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/logging"
)

// State of one circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateHalfOpen State = "HALF_OPEN"
	StateOpen     State = "OPEN"
)

// Record is the persisted circuit state for one external service. OpensAt is
// the instant an OPEN circuit becomes eligible for a HALF_OPEN probe.
type Record struct {
	Service     string
	State       State
	Failures    int
	Successes   int
	LastFailure *time.Time
	OpensAt     *time.Time
	UpdatedAt   time.Time
}

// Settings tune the state machine.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// DefaultSettings match the documented behavior: three consecutive failures
// open a circuit, two half-open probe successes close it again.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = def.SuccessThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = def.Cooldown
	}
	return s
}

// Store is the persistence surface the registry needs. GetBreaker returns
// nil without error when the service has no circuit yet.
type Store interface {
	GetBreaker(ctx context.Context, service string) (*Record, error)
	SaveBreaker(ctx context.Context, rec *Record) error
	ListBreakers(ctx context.Context) ([]*Record, error)
	DeleteBreaker(ctx context.Context, service string) (bool, error)
}

// Registry coordinates per-service circuits. All mutations for one service
// run under that service's lock and persist before returning.
type Registry struct {
	store    Store
	settings Settings
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry builds a registry over the given store.
func NewRegistry(store Store, settings Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		store:    store,
		settings: settings.withDefaults(),
		logger:   logging.NewComponentLogger(logger, "breaker"),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (r *Registry) serviceLock(service string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[service]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[service] = lock
	}
	return lock
}

// Check reports whether calls to service may proceed. An OPEN circuit whose
// cooldown has elapsed transitions to HALF_OPEN here, lazily, rather than on
// a timer. The returned record reflects the state after any transition; it
// is nil when the service has no circuit yet, which counts as CLOSED.
func (r *Registry) Check(ctx context.Context, service string) (bool, *Record, error) {
	if service == "" {
		return true, nil, nil
	}
	lock := r.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.store.GetBreaker(ctx, service)
	if err != nil {
		return false, nil, fmt.Errorf("load breaker %s: %w", service, err)
	}
	if rec == nil {
		return true, nil, nil
	}

	switch rec.State {
	case StateClosed, StateHalfOpen:
		return true, rec, nil
	case StateOpen:
		now := time.Now().UTC()
		if rec.OpensAt != nil && !now.Before(*rec.OpensAt) {
			rec.State = StateHalfOpen
			rec.Successes = 0
			rec.UpdatedAt = now
			if err := r.store.SaveBreaker(ctx, rec); err != nil {
				return false, nil, fmt.Errorf("save breaker %s: %w", service, err)
			}
			r.logger.Info("circuit half-open",
				logging.String(logging.FieldService, service))
			return true, rec, nil
		}
		return false, rec, nil
	}
	return false, rec, fmt.Errorf("breaker %s in unknown state %q", service, rec.State)
}

// RecordFailure counts a failure against the service's circuit, creating it
// CLOSED on first use. Reaching the failure threshold opens the circuit; any
// failure while HALF_OPEN reopens it immediately.
func (r *Registry) RecordFailure(ctx context.Context, service string) (*Record, error) {
	if service == "" {
		return nil, nil
	}
	lock := r.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	rec, err := r.store.GetBreaker(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("load breaker %s: %w", service, err)
	}
	if rec == nil {
		rec = &Record{Service: service, State: StateClosed}
	}

	rec.LastFailure = &now
	rec.UpdatedAt = now

	switch rec.State {
	case StateHalfOpen:
		opensAt := now.Add(r.settings.Cooldown)
		rec.State = StateOpen
		rec.Successes = 0
		rec.OpensAt = &opensAt
		r.logger.Warn("circuit reopened after half-open failure",
			logging.String(logging.FieldService, service))
	case StateClosed:
		rec.Failures++
		if rec.Failures >= r.settings.FailureThreshold {
			opensAt := now.Add(r.settings.Cooldown)
			rec.State = StateOpen
			rec.OpensAt = &opensAt
			r.logger.Warn("circuit opened",
				logging.String(logging.FieldService, service),
				logging.Int("failures", rec.Failures))
		}
	case StateOpen:
		rec.Failures++
	}

	if err := r.store.SaveBreaker(ctx, rec); err != nil {
		return nil, fmt.Errorf("save breaker %s: %w", service, err)
	}
	return rec, nil
}

// RecordSuccess counts a success. A CLOSED circuit zeroes its failure
// counter; a HALF_OPEN circuit closes once enough probes succeed.
func (r *Registry) RecordSuccess(ctx context.Context, service string) (*Record, error) {
	if service == "" {
		return nil, nil
	}
	lock := r.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	rec, err := r.store.GetBreaker(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("load breaker %s: %w", service, err)
	}
	if rec == nil {
		rec = &Record{Service: service, State: StateClosed}
	}

	rec.UpdatedAt = now

	switch rec.State {
	case StateClosed:
		rec.Failures = 0
	case StateHalfOpen:
		rec.Successes++
		if rec.Successes >= r.settings.SuccessThreshold {
			rec.State = StateClosed
			rec.Failures = 0
			rec.Successes = 0
			rec.OpensAt = nil
			r.logger.Info("circuit closed",
				logging.String(logging.FieldService, service))
		}
	case StateOpen:
		// A straggling call finished after the circuit opened; ignore.
	}

	if err := r.store.SaveBreaker(ctx, rec); err != nil {
		return nil, fmt.Errorf("save breaker %s: %w", service, err)
	}
	return rec, nil
}

// Get returns the circuit for service, or nil when none exists.
func (r *Registry) Get(ctx context.Context, service string) (*Record, error) {
	return r.store.GetBreaker(ctx, service)
}

// List returns every persisted circuit.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	return r.store.ListBreakers(ctx)
}

// Reset removes the circuit for service entirely; the next use recreates it
// CLOSED. It reports whether a circuit existed.
func (r *Registry) Reset(ctx context.Context, service string) (bool, error) {
	lock := r.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	removed, err := r.store.DeleteBreaker(ctx, service)
	if err != nil {
		return false, fmt.Errorf("reset breaker %s: %w", service, err)
	}
	if removed {
		r.logger.Info("circuit reset",
			logging.String(logging.FieldService, service))
	}
	return removed, nil
}
