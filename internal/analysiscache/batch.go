package analysiscache

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/entry"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/signature"
)

// ListOptions selects a window of the caller's saved entries.
type ListOptions struct {
	// Limit defaults to DefaultListLimit and is capped at MaxListLimit.
	Limit  int
	Offset int
	// Search, when set, keeps entries whose title, tags, situation, goal or
	// summary contain it, ignoring case. It narrows the fetched window only.
	Search string
}

// Page is one window of saved entries, newest first.
type Page struct {
	Items   []*entry.Entry `json:"items"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	HasMore bool           `json:"has_more"`
}

// GetMany returns the entries among sigs that are visible to callerID, keyed
// by signature.
//
// Permanent and live ephemeral entries are read with two independent queries
// and merged with permanent entries taking precedence. A permanent entry is
// returned only to its owner: unowned permanent entries are never claimed by
// a batch read. An ephemeral entry is returned when it has no owner or
// belongs to the caller, and the caller's own expired entries are included.
//
// Malformed and duplicate signatures are ignored. More than MaxBatchSize
// distinct signatures is an INVALID_REQUEST. Store failures are logged and
// yield an empty result.
func (c *Cache) GetMany(ctx context.Context, sigs []string, callerID string) (map[string]*entry.Entry, error) {
	keys := distinctSignatures(sigs)
	if len(keys) > MaxBatchSize {
		return nil, invalid("at most %d signatures per request, got %d", MaxBatchSize, len(keys))
	}
	out := make(map[string]*entry.Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	now := c.now()
	var permanent, ephemeral []*entry.Entry
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		permanent, err = c.store.GetMany(gctx, keys, entry.Filter{State: entry.StatePermanent})
		return err
	})
	g.Go(func() error {
		var err error
		ephemeral, err = c.store.GetMany(gctx, keys, entry.Filter{
			State:     entry.StateEphemeral,
			LiveAt:    now,
			OrOwnedBy: callerID,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		lookups.WithLabelValues("get_many", resultError).Inc()
		c.log.Warn("batch cache lookup failed", "signatures", len(keys), "error", err)
		return out, nil
	}

	for _, e := range ephemeral {
		if e.OwnerUserID == nil || e.OwnedBy(callerID) {
			out[e.Signature] = e
		}
	}
	for _, e := range permanent {
		delete(out, e.Signature)
		if e.OwnedBy(callerID) {
			out[e.Signature] = e
		}
	}

	lookups.WithLabelValues("get_many", resultHit).Add(float64(len(out)))
	lookups.WithLabelValues("get_many", resultMiss).Add(float64(len(keys) - len(out)))
	return out, nil
}

func distinctSignatures(sigs []string) []string {
	seen := make(map[string]struct{}, len(sigs))
	keys := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		if !signature.Valid(sig) {
			continue
		}
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		keys = append(keys, sig)
	}
	return keys
}

// List returns a window of callerID's saved entries, newest first. Store
// failures are surfaced.
func (c *Cache) List(ctx context.Context, callerID string, opts ListOptions) (*Page, error) {
	if callerID == "" {
		return nil, invalid("caller id is required")
	}
	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	offset := max(opts.Offset, 0)

	var (
		items []*entry.Entry
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = c.store.ListSaved(gctx, callerID, limit, offset)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = c.store.CountSaved(gctx, callerID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, storeError("list", err)
	}

	page := &Page{
		Items:   items,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	}
	if q := strings.ToLower(strings.TrimSpace(opts.Search)); q != "" {
		page.Items = filterEntries(items, q)
	}
	if page.Items == nil {
		page.Items = []*entry.Entry{}
	}
	return page, nil
}

func filterEntries(items []*entry.Entry, needle string) []*entry.Entry {
	out := make([]*entry.Entry, 0, len(items))
	for _, e := range items {
		if matches(e, needle) {
			out = append(out, e)
		}
	}
	return out
}

// matches reports whether needle, already lowercased, occurs in a searchable field of e.
func matches(e *entry.Entry, needle string) bool {
	contains := func(s string) bool {
		return s != "" && strings.Contains(strings.ToLower(s), needle)
	}
	if e.Title != nil && contains(*e.Title) {
		return true
	}
	for _, tag := range e.Tags {
		if contains(tag) {
			return true
		}
	}
	if contains(e.Snapshot.Situation) || contains(e.Snapshot.Goal) {
		return true
	}
	summary, _ := summaryOf(e.Payload)
	return contains(summary)
}
