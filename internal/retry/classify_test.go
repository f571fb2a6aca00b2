package retry_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"conveyor/internal/retry"
	"conveyor/internal/services"
)

func TestClassifyFragments(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want retry.Class
	}{
		{"connection refused", errors.New("dial tcp 10.0.0.4:443: connect: connection refused"), retry.ClassNetwork},
		{"raw errno", errors.New("read: ECONNRESET"), retry.ClassNetwork},
		{"no such host", errors.New("lookup indexer.local: no such host"), retry.ClassNetwork},
		{"io timeout", errors.New("dial tcp 10.0.0.4:443: i/o timeout"), retry.ClassTimeout},
		{"deadline", errors.New("context deadline exceeded"), retry.ClassTimeout},
		{"rate limited", errors.New("HTTP 429 Too Many Requests"), retry.ClassRateLimit},
		{"not found", errors.New("fetch release: 404 not found"), retry.ClassPermanent},
		{"unauthorized", errors.New("401 Unauthorized"), retry.ClassPermanent},
		{"server flake", errors.New("upstream returned 503 Service Unavailable"), retry.ClassTransient},
		{"unknown", errors.New("something odd happened"), retry.ClassTransient},
		{"nil", nil, retry.ClassTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retry.Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifySentinelsWin(t *testing.T) {
	// The wrapped message mentions a 404, but the marker says timeout.
	err := services.Wrap(services.ErrTimeout, "search", "lookup", "mirror replied 404", nil)
	if got := retry.Classify(err); got != retry.ClassTimeout {
		t.Fatalf("Classify returned %s, want %s", got, retry.ClassTimeout)
	}

	err = fmt.Errorf("resolve title: %w", services.ErrNotFound)
	if got := retry.Classify(err); got != retry.ClassPermanent {
		t.Fatalf("Classify returned %s, want %s", got, retry.ClassPermanent)
	}

	err = fmt.Errorf("probe source: %w", context.DeadlineExceeded)
	if got := retry.Classify(err); got != retry.ClassTimeout {
		t.Fatalf("Classify returned %s, want %s", got, retry.ClassTimeout)
	}
}

func TestClassRetryable(t *testing.T) {
	if retry.ClassPermanent.Retryable() {
		t.Fatal("permanent failures must not be retryable")
	}
	for _, class := range []retry.Class{retry.ClassNetwork, retry.ClassTimeout, retry.ClassRateLimit, retry.ClassTransient} {
		if !class.Retryable() {
			t.Fatalf("%s should be retryable", class)
		}
	}
}
