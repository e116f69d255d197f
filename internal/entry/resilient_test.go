package entry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first `failures` calls to Get and Update with err.
type flakyStore struct {
	*MemoryStore
	failures int32
	err      error
	calls    atomic.Int32
}

func (s *flakyStore) fail() error {
	if s.calls.Add(1) <= s.failures {
		return s.err
	}
	return nil
}

func (s *flakyStore) Get(ctx context.Context, sig string) (*Entry, error) {
	if err := s.fail(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, sig)
}

func (s *flakyStore) Update(ctx context.Context, sig string, patch Patch, cond Condition) (bool, error) {
	if err := s.fail(); err != nil {
		return false, err
	}
	return s.MemoryStore.Update(ctx, sig, patch, cond)
}

// slowStore blocks CountSaved until the attempt context ends.
type slowStore struct {
	*MemoryStore
	calls atomic.Int32
}

func (s *slowStore) CountSaved(ctx context.Context, _ string) (int, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return 0, ctx.Err()
}

var fastRetry = RetryConfig{
	Timeout:      time.Second,
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    2,
		err:         fmt.Errorf("%w: connection reset", ErrTransient),
	}
	require.NoError(t, inner.MemoryStore.Upsert(ctx, saved(sigN(1), "p", "user-1", epoch)))

	before := testutil.ToFloat64(storeRetries.WithLabelValues("get"))
	store := Resilient(inner, fastRetry)
	got, err := store.Get(ctx, sigN(1))
	require.NoError(t, err)
	assert.Equal(t, sigN(1), got.Signature)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, before+2, testutil.ToFloat64(storeRetries.WithLabelValues("get")))
}

func TestResilientGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    10,
		err:         fmt.Errorf("%w: connection refused", ErrTransient),
	}
	store := Resilient(inner, fastRetry)
	_, err := store.Get(context.Background(), sigN(1))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestResilientLogsRetriesToConfiguredLogger(t *testing.T) {
	var logs bytes.Buffer
	inner := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    1,
		err:         fmt.Errorf("%w: connection reset", ErrTransient),
	}
	cfg := fastRetry
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := Resilient(inner, cfg).Get(context.Background(), sigN(1))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, logs.String(), "retrying store operation")
	assert.Contains(t, logs.String(), "op=get")
}

func TestResilientDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"constraint", fmt.Errorf("%w: duplicate key", ErrConstraint)},
		{"not found", ErrNotFound},
		{"unclassified", fmt.Errorf("malformed query")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10, err: tt.err}
			store := Resilient(inner, fastRetry)
			_, err := store.Get(context.Background(), sigN(1))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, int32(1), inner.calls.Load())
		})
	}
}

func TestResilientDoesNotRetryLostCondition(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, inner.MemoryStore.Upsert(ctx, saved(sigN(1), "p", "user-1", epoch)))

	store := Resilient(inner, fastRetry)
	applied, err := store.Update(ctx, sigN(1), Patch{OwnerUserID: strPtr("user-2")}, Condition{Owner: OwnerUnset})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestResilientAttemptTimeout(t *testing.T) {
	inner := &slowStore{MemoryStore: NewMemoryStore()}
	store := Resilient(inner, RetryConfig{
		Timeout:      10 * time.Millisecond,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	})

	start := time.Now()
	_, err := store.CountSaved(context.Background(), "user-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err), "timeouts are transient: %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestResilientStopsWhenCallerCancels(t *testing.T) {
	inner := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    100,
		err:         fmt.Errorf("%w: unavailable", ErrTransient),
	}
	store := Resilient(inner, RetryConfig{MaxAttempts: 100, InitialDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := store.Get(ctx, sigN(1))
	require.Error(t, err)
	assert.Less(t, inner.calls.Load(), int32(100))
}

func TestResilientUnwrap(t *testing.T) {
	inner := NewMemoryStore()
	assert.Same(t, inner, Resilient(inner, RetryConfig{}).Unwrap())
}
