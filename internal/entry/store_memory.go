package entry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory.
// Data survives across requests but not process restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Entry
}

// NewMemoryStore creates an empty in-memory entry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Entry),
	}
}

// Upsert stores e, replacing any entry at the same signature.
func (s *MemoryStore) Upsert(_ context.Context, e *Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	c := e.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.Signature] = c
	return nil
}

// Get retrieves one entry by signature.
func (s *MemoryStore) Get(_ context.Context, sig string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.items[sig]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// GetMany returns the entries among sigs that pass filter.
func (s *MemoryStore) GetMany(_ context.Context, sigs []string, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(sigs))
	seen := make(map[string]struct{}, len(sigs))
	for _, sig := range sigs {
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		if e, ok := s.items[sig]; ok && filter.Match(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Update applies patch when cond holds.
func (s *MemoryStore) Update(_ context.Context, sig string, patch Patch, cond Condition) (bool, error) {
	if err := patch.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[sig]
	if !ok || !cond.Holds(e) {
		return false, nil
	}
	patch.Apply(e)
	return true, nil
}

// Delete removes one entry.
func (s *MemoryStore) Delete(_ context.Context, sig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, sig)
	return nil
}

// DeleteByProfile removes every entry of a profile.
func (s *MemoryStore) DeleteByProfile(_ context.Context, profileID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for sig, e := range s.items {
		if e.OwnerProfileID == profileID {
			delete(s.items, sig)
			n++
		}
	}
	return n, nil
}

// CountSaved counts saved entries owned by userID.
func (s *MemoryStore) CountSaved(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.items {
		if e.IsSaved && e.OwnedBy(userID) {
			n++
		}
	}
	return n, nil
}

// ListSaved returns saved entries ordered by created_at desc, signature desc.
func (s *MemoryStore) ListSaved(_ context.Context, userID string, limit, offset int) ([]*Entry, error) {
	limit = normalizeLimit(limit)
	offset = normalizeOffset(offset)

	s.mu.RLock()
	all := make([]*Entry, 0)
	for _, e := range s.items {
		if e.IsSaved && e.OwnedBy(userID) {
			all = append(all, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Signature > all[j].Signature
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []*Entry{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// DeleteExpired removes ephemeral entries expired at or before before.
func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for sig, e := range s.items {
		if e.ExpiresAt != nil && !e.ExpiresAt.After(before) {
			delete(s.items, sig)
			n++
		}
	}
	return n, nil
}

// Close releases resources (no-op for memory store).
func (s *MemoryStore) Close() error {
	return nil
}
