package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/media"
)

// Policy is the backoff schedule applied to retryable failures.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Factor      float64
}

// PolicyFromConfig converts the config section, guarding zero values so a
// hand-built Retry block still yields a usable schedule.
func PolicyFromConfig(rc config.Retry) Policy {
	p := Policy{
		MaxAttempts: rc.MaxAttempts,
		BackoffBase: time.Duration(rc.BackoffBaseSeconds) * time.Second,
		BackoffMax:  time.Duration(rc.BackoffMaxSeconds) * time.Second,
		Factor:      rc.BackoffFactor,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 30 * time.Second
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = time.Hour
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	return p
}

// Backoff returns the delay before the given attempt number (1-based) runs
// again, growing geometrically and capped at BackoffMax.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BackoffBase) * math.Pow(p.Factor, float64(attempt-1))
	if capped := float64(p.BackoffMax); delay > capped || delay < 0 {
		delay = capped
	}
	return time.Duration(delay)
}

// Decision tells the executor what to do with a failed item. Exactly one of
// RetryAt and SkipUntil is set when ShouldRetry is true. A set SkipUntil
// means the failure was deferred by an open circuit; deferred failures do
// not count as attempts, which CountsAttempt reflects.
type Decision struct {
	ShouldRetry   bool
	RetryAt       time.Time
	SkipUntil     time.Time
	Class         Class
	Reason        string
	CountsAttempt bool
}

// Deferred reports whether the decision parks the item until a circuit
// cooldown elapses rather than scheduling a counted retry.
func (d Decision) Deferred() bool {
	return !d.SkipUntil.IsZero()
}

// Strategy owns retry policy for the whole pipeline. Safe for concurrent use.
type Strategy struct {
	policy         Policy
	searchInterval time.Duration
	breakers       *breaker.Registry
	logger         *slog.Logger
}

// NewStrategy builds a Strategy around the shared breaker registry.
func NewStrategy(policy Policy, searchInterval time.Duration, breakers *breaker.Registry, logger *slog.Logger) *Strategy {
	if searchInterval <= 0 {
		searchInterval = 15 * time.Minute
	}
	return &Strategy{
		policy:         policy,
		searchInterval: searchInterval,
		breakers:       breakers,
		logger:         logging.NewComponentLogger(logger, "retry"),
	}
}

// Decide is called with the item as it was before the failure is recorded;
// the caller applies the decision (recording the attempt and setting
// retryAt/skipUntil) afterwards.
//
// Rules, in order: items still searching retry forever on the fixed search
// interval; PERMANENT failures stop; exhausted attempts stop; NETWORK
// failures naming a service consult that service's breaker, deferring while
// it is open; everything else backs off geometrically.
func (s *Strategy) Decide(ctx context.Context, item *media.Item, stepErr error, service string) Decision {
	now := time.Now().UTC()
	class := Classify(stepErr)
	decision := Decision{Class: class, CountsAttempt: true}

	if item.Awaiting() {
		decision.ShouldRetry = true
		decision.RetryAt = now.Add(s.searchInterval)
		decision.Reason = "still searching; holding the fixed interval"
		return decision
	}

	if class == ClassPermanent {
		decision.Reason = "permanent failure"
		return decision
	}

	attempt := item.Attempts + 1
	if attempt >= s.policy.MaxAttempts {
		decision.Reason = fmt.Sprintf("exhausted %d attempts", s.policy.MaxAttempts)
		return decision
	}

	if class == ClassNetwork && service != "" && s.breakers != nil {
		allowed, record, err := s.breakers.Check(ctx, service)
		switch {
		case err != nil:
			// Breaker persistence trouble should not stop retries.
			s.logger.Warn("breaker check failed", "service", service, "error", err)
		case !allowed && record != nil && record.OpensAt != nil:
			decision.ShouldRetry = true
			decision.SkipUntil = record.OpensAt.UTC()
			decision.CountsAttempt = false
			decision.Reason = fmt.Sprintf("%s circuit open until %s", service, record.OpensAt.UTC().Format(time.RFC3339))
			return decision
		default:
			if _, err := s.breakers.RecordFailure(ctx, service); err != nil {
				s.logger.Warn("breaker record failed", "service", service, "error", err)
			}
		}
	}

	delay := s.policy.Backoff(attempt)
	decision.ShouldRetry = true
	decision.RetryAt = now.Add(delay)
	decision.Reason = fmt.Sprintf("attempt %d of %d, next in %s", attempt, s.policy.MaxAttempts, delay)
	return decision
}

// RecordSuccess clears breaker pressure for a service after a call lands.
func (s *Strategy) RecordSuccess(ctx context.Context, service string) {
	if service == "" || s.breakers == nil {
		return
	}
	if _, err := s.breakers.RecordSuccess(ctx, service); err != nil {
		s.logger.Warn("breaker record failed", "service", service, "error", err)
	}
}
