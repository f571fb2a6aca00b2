// Package retry classifies step failures and decides whether, and when, a
// failed item runs again. Decisions consult the per-service circuit breaker
// so a flapping dependency defers work instead of burning attempts.
package retry

import (
	"context"
	"errors"
	"strings"

	"conveyor/internal/services"
)

// Class buckets an error by how it should be retried.
type Class string

const (
	ClassNetwork   Class = "NETWORK"
	ClassTimeout   Class = "TIMEOUT"
	ClassRateLimit Class = "RATE_LIMIT"
	ClassTransient Class = "TRANSIENT"
	ClassPermanent Class = "PERMANENT"
)

// Retryable reports whether errors of this class are worth another attempt.
func (c Class) Retryable() bool {
	return c != ClassPermanent
}

// sentinelClasses maps service error markers to classes. Markers win over
// message sniffing because wrapped messages often quote the upstream text.
var sentinelClasses = []struct {
	marker error
	class  Class
}{
	{services.ErrTimeout, ClassTimeout},
	{context.DeadlineExceeded, ClassTimeout},
	{services.ErrRateLimited, ClassRateLimit},
	{services.ErrNotFound, ClassPermanent},
	{services.ErrValidation, ClassPermanent},
	{services.ErrConfiguration, ClassPermanent},
	{services.ErrTransient, ClassTransient},
}

// fragmentClasses is scanned in order; earlier rows win when a message
// matches several. Rate limits come first so "429" beats the 4xx bucket,
// and timeouts beat network so a dial timeout reads as TIMEOUT.
var fragmentClasses = []struct {
	class     Class
	fragments []string
}{
	{ClassRateLimit, []string{"429", "too many requests", "rate limit"}},
	{ClassTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ClassNetwork, []string{
		"econnrefused",
		"connection refused",
		"econnreset",
		"connection reset",
		"no such host",
		"network is unreachable",
		"broken pipe",
	}},
	{ClassPermanent, []string{
		"404",
		"not found",
		"401",
		"unauthorized",
		"403",
		"forbidden",
		"bad request",
	}},
	{ClassTransient, []string{
		"503",
		"service unavailable",
		"502",
		"bad gateway",
		"500",
		"internal server error",
	}},
}

// Classify buckets an error for the retry decision. Sentinel markers from
// the services package short-circuit; otherwise the message is matched
// case-insensitively against known fragments. Unmatched errors classify as
// TRANSIENT so unknown failures stay retryable.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	for _, s := range sentinelClasses {
		if errors.Is(err, s.marker) {
			return s.class
		}
	}
	message := strings.ToLower(err.Error())
	for _, row := range fragmentClasses {
		for _, fragment := range row.fragments {
			if strings.Contains(message, fragment) {
				return row.class
			}
		}
	}
	return ClassTransient
}
