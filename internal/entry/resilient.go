package entry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "analysiscache_store_retries_total",
		Help: "Total number of store operations retried after a transient error",
	},
	[]string{"op"},
)

// RetryConfig bounds every store call made through a ResilientStore.
type RetryConfig struct {
	// Timeout bounds a single attempt (default: 3s).
	Timeout time.Duration
	// MaxAttempts includes the first attempt (default: 3).
	MaxAttempts int
	// InitialDelay is the delay before the first retry (default: 50ms).
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries (default: 1s).
	MaxDelay time.Duration
	// Logger receives retry notices (default: slog.Default()).
	Logger *slog.Logger
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ResilientStore wraps a Store with per-attempt timeouts and bounded retries.
//
// Only errors classified as transient are retried. Constraint errors,
// ErrNotFound and unapplied conditional updates are returned as-is: a lost
// ownership race must be re-evaluated by the caller, never replayed.
type ResilientStore struct {
	next Store
	cfg  RetryConfig
}

// Resilient wraps next.
func Resilient(next Store, cfg RetryConfig) *ResilientStore {
	return &ResilientStore{next: next, cfg: cfg.withDefaults()}
}

// Unwrap returns the wrapped store.
func (s *ResilientStore) Unwrap() Store {
	return s.next
}

func (s *ResilientStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialDelay
	b.MaxInterval = s.cfg.MaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)

	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		err := classifyCommon(fn(attemptCtx))
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		storeRetries.WithLabelValues(op).Inc()
		s.cfg.Logger.Debug("retrying store operation", "op", op, "delay", delay, "error", err)
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// Upsert inserts or replaces an entry.
func (s *ResilientStore) Upsert(ctx context.Context, e *Entry) error {
	return s.do(ctx, "upsert", func(ctx context.Context) error {
		return s.next.Upsert(ctx, e)
	})
}

// Get returns an entry by signature.
func (s *ResilientStore) Get(ctx context.Context, sig string) (*Entry, error) {
	var out *Entry
	err := s.do(ctx, "get", func(ctx context.Context) error {
		var err error
		out, err = s.next.Get(ctx, sig)
		return err
	})
	return out, err
}

// GetMany returns entries among sigs that pass filter.
func (s *ResilientStore) GetMany(ctx context.Context, sigs []string, filter Filter) ([]*Entry, error) {
	var out []*Entry
	err := s.do(ctx, "get_many", func(ctx context.Context) error {
		var err error
		out, err = s.next.GetMany(ctx, sigs, filter)
		return err
	})
	return out, err
}

// Update applies a guarded partial update.
func (s *ResilientStore) Update(ctx context.Context, sig string, patch Patch, cond Condition) (bool, error) {
	var applied bool
	err := s.do(ctx, "update", func(ctx context.Context) error {
		var err error
		applied, err = s.next.Update(ctx, sig, patch, cond)
		return err
	})
	return applied, err
}

// Delete removes one entry.
func (s *ResilientStore) Delete(ctx context.Context, sig string) error {
	return s.do(ctx, "delete", func(ctx context.Context) error {
		return s.next.Delete(ctx, sig)
	})
}

// DeleteByProfile removes every entry of a profile.
func (s *ResilientStore) DeleteByProfile(ctx context.Context, profileID string) (int64, error) {
	var n int64
	err := s.do(ctx, "delete_by_profile", func(ctx context.Context) error {
		var err error
		n, err = s.next.DeleteByProfile(ctx, profileID)
		return err
	})
	return n, err
}

// CountSaved counts saved entries owned by userID.
func (s *ResilientStore) CountSaved(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.do(ctx, "count_saved", func(ctx context.Context) error {
		var err error
		n, err = s.next.CountSaved(ctx, userID)
		return err
	})
	return n, err
}

// ListSaved returns userID's saved entries, newest first.
func (s *ResilientStore) ListSaved(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	var out []*Entry
	err := s.do(ctx, "list_saved", func(ctx context.Context) error {
		var err error
		out, err = s.next.ListSaved(ctx, userID, limit, offset)
		return err
	})
	return out, err
}

// DeleteExpired removes ephemeral entries expired at or before before.
func (s *ResilientStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.do(ctx, "delete_expired", func(ctx context.Context) error {
		var err error
		n, err = s.next.DeleteExpired(ctx, before)
		return err
	})
	return n, err
}

// Close closes the wrapped store.
func (s *ResilientStore) Close() error {
	return s.next.Close()
}
