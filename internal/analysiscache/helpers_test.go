package analysiscache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/entry"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/signature"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestCache(t *testing.T) (*Cache, *entry.MemoryStore, *fakeClock) {
	t.Helper()
	store := entry.NewMemoryStore()
	clock := newClock()
	return New(store, Options{Now: clock.Now, Logger: discard}), store, clock
}

func request(profile string, n int) signature.Request {
	return signature.Normalize(signature.Request{
		ProfileID:   profile,
		Situation:   fmt.Sprintf("Situation number %d", n),
		Goal:        "Grow revenue",
		Constraints: "budget, time",
	})
}

func newEntry(profile string, n int, summary string) *entry.Entry {
	req := request(profile, n)
	payload, _ := json.Marshal(map[string]any{"summary": summary, "actions": []string{"call", "ship"}})
	return &entry.Entry{
		Signature:      signature.Build(req),
		OwnerProfileID: profile,
		Payload:        payload,
		Snapshot:       req,
		Baseline:       entry.Baseline{Primary: 55, Secondary: 42},
	}
}

// seed creates an ephemeral entry and returns its signature.
func seed(t *testing.T, c *Cache, profile string, n int) string {
	t.Helper()
	e := newEntry(profile, n, fmt.Sprintf("Plan %d. Details follow.", n))
	require.NoError(t, c.Create(context.Background(), e))
	return e.Signature
}

func strPtr(s string) *string { return &s }

// failingStore fails every call with a transient error.
type failingStore struct{}

var errUnavailable = fmt.Errorf("%w: connection refused", entry.ErrTransient)

func (failingStore) Upsert(context.Context, *entry.Entry) error { return errUnavailable }
func (failingStore) Get(context.Context, string) (*entry.Entry, error) {
	return nil, errUnavailable
}
func (failingStore) GetMany(context.Context, []string, entry.Filter) ([]*entry.Entry, error) {
	return nil, errUnavailable
}
func (failingStore) Update(context.Context, string, entry.Patch, entry.Condition) (bool, error) {
	return false, errUnavailable
}
func (failingStore) Delete(context.Context, string) error { return errUnavailable }
func (failingStore) DeleteByProfile(context.Context, string) (int64, error) {
	return 0, errUnavailable
}
func (failingStore) CountSaved(context.Context, string) (int, error) { return 0, errUnavailable }
func (failingStore) ListSaved(context.Context, string, int, int) ([]*entry.Entry, error) {
	return nil, errUnavailable
}
func (failingStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, errUnavailable
}
func (failingStore) Close() error { return nil }
