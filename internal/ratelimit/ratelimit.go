// Package ratelimit throttles ingest work per domain.
//
// A noisy producer can flood the ingest channel with observation batches
// faster than clustering can absorb them. The Limiter decides, per domain,
// whether the next batch runs now or is dropped for the producer to resend.
// Callers treat limiter errors as fail-open: a broken throttle must never
// stop ingestion outright.
package ratelimit

import "context"

// Limiter decides whether work identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether one unit of work for key may run now.
	Allow(ctx context.Context, key string) (bool, error)

	// Close stops any background maintenance.
	Close() error
}

// Unlimited permits everything. Used when throttling is disabled.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func (Unlimited) Close() error { return nil }
