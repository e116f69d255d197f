package analysiscache

import (
	"context"
	"errors"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/entry"
	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/signature"
)

// GetOptions controls single-entry lookups.
type GetOptions struct {
	// IncludeSaved also considers permanent entries and the caller's own
	// expired entries. Without it only live ephemeral entries are returned.
	IncludeSaved bool
	CallerID     string
}

// SaveOptions carries the optional metadata of a save.
type SaveOptions struct {
	// Title overrides the title derived from the payload summary.
	Title *string
	// Tags replace the entry's tags when non-nil.
	Tags []string
}

// MetadataUpdate is a partial metadata edit. Nil fields are left untouched.
type MetadataUpdate struct {
	Title *string
	Tags  *[]string
}

// Get returns the entry at sig if it is visible to the caller.
//
// With IncludeSaved, an unowned permanent entry is claimed for the caller
// through a conditional update; if another caller claims it first the entry
// is reported as not found. Any store failure is logged and reported as not
// found.
func (c *Cache) Get(ctx context.Context, sig string, opts GetOptions) (*entry.Entry, error) {
	e, err := c.get(ctx, sig, opts)
	switch {
	case err == nil:
		lookups.WithLabelValues("get", resultHit).Inc()
		return e, nil
	case errors.Is(err, ErrNotFound):
		lookups.WithLabelValues("get", resultMiss).Inc()
		return nil, err
	default:
		lookups.WithLabelValues("get", resultError).Inc()
		c.log.Warn("cache lookup failed", "signature", sig, "error", err)
		return nil, newError(CodeNotFound, "analysis not found", err)
	}
}

func (c *Cache) get(ctx context.Context, sig string, opts GetOptions) (*entry.Entry, error) {
	e, err := c.store.Get(ctx, sig)
	if err != nil {
		return nil, storeError("get", err)
	}
	now := c.now()

	if !opts.IncludeSaved {
		if e.Permanent() || e.ExpiredAt(now) {
			return nil, ErrNotFound
		}
		return e, nil
	}

	if e.Permanent() {
		return c.resolvePermanent(ctx, e, opts.CallerID)
	}
	if !e.ExpiredAt(now) || e.OwnedBy(opts.CallerID) {
		return e, nil
	}
	return nil, ErrNotFound
}

// resolvePermanent applies ownership rules to a permanent entry, claiming it
// for callerID when it has no owner yet.
func (c *Cache) resolvePermanent(ctx context.Context, e *entry.Entry, callerID string) (*entry.Entry, error) {
	if e.OwnerUserID != nil {
		if e.OwnedBy(callerID) {
			return e, nil
		}
		return nil, ErrNotFound
	}
	if callerID == "" {
		return nil, ErrNotFound
	}

	// A claim makes the entry count against the caller's quota.
	n, err := c.store.CountSaved(ctx, callerID)
	if err != nil {
		return nil, storeError("count saved", err)
	}
	if n >= c.opts.SaveQuota {
		c.log.Debug("skipping claim at quota", "signature", e.Signature, "caller", callerID)
		return e, nil
	}

	applied, err := c.store.Update(ctx, e.Signature,
		entry.Patch{OwnerUserID: &callerID},
		entry.Condition{Owner: entry.OwnerUnset, RequirePermanent: true})
	if err != nil {
		return nil, storeError("claim", err)
	}
	if applied {
		e.OwnerUserID = &callerID
		c.log.Info("claimed unowned analysis", "signature", e.Signature, "caller", callerID)
		return e, nil
	}

	fresh, err := c.store.Get(ctx, e.Signature)
	if err != nil {
		return nil, storeError("get", err)
	}
	if fresh.OwnedBy(callerID) {
		return fresh, nil
	}
	return nil, ErrNotFound
}

// Create stores e as a fresh ephemeral entry, replacing any entry at the same
// signature. Caching is best-effort: store failures are logged and swallowed.
// Only malformed input is reported.
func (c *Cache) Create(ctx context.Context, e *entry.Entry) error {
	if e == nil {
		return invalid("entry is required")
	}
	if !signature.Valid(e.Signature) {
		return invalid("malformed signature %q", e.Signature)
	}
	if e.OwnerProfileID == "" {
		return invalid("owner profile id is required")
	}

	stored := e.Clone()
	stored.CreatedAt = c.now()
	expires := stored.CreatedAt.Add(c.opts.TTL)
	stored.ExpiresAt = &expires
	stored.IsSaved = false
	if stored.Tags == nil {
		stored.Tags = []string{}
	}

	if err := c.store.Upsert(ctx, stored); err != nil {
		c.log.Warn("failed to cache analysis", "signature", e.Signature, "error", err)
	}
	return nil
}

// Save promotes the entry at sig to a permanent entry owned by callerID.
//
// Saving an entry the caller already owns is a no-op apart from the metadata
// in opts. A caller at the save quota gets QUOTA_EXCEEDED. When a concurrent
// save claims the entry first the outcome is re-read: the same caller winning
// is a success, anyone else winning is FORBIDDEN.
func (c *Cache) Save(ctx context.Context, sig, callerID string, opts SaveOptions) (*entry.Entry, error) {
	e, err := c.save(ctx, sig, callerID, opts)
	saves.WithLabelValues(saveResult(err)).Inc()
	if err != nil {
		c.log.Debug("save rejected", "signature", sig, "caller", callerID, "error", err)
		return nil, err
	}
	return e, nil
}

func (c *Cache) save(ctx context.Context, sig, callerID string, opts SaveOptions) (*entry.Entry, error) {
	if callerID == "" {
		return nil, invalid("caller id is required")
	}
	title, err := cleanTitle(opts.Title)
	if err != nil {
		return nil, err
	}
	var tags *[]string
	if opts.Tags != nil {
		cleaned, err := cleanTags(opts.Tags)
		if err != nil {
			return nil, err
		}
		tags = &cleaned
	}

	e, err := c.store.Get(ctx, sig)
	if err != nil {
		return nil, storeError("get", err)
	}

	if e.Permanent() && e.OwnedBy(callerID) {
		return c.updateOwned(ctx, e, callerID, entry.Patch{Title: title, Tags: tags})
	}
	if e.OwnerUserID != nil && !e.OwnedBy(callerID) {
		return nil, ErrForbidden
	}

	n, err := c.store.CountSaved(ctx, callerID)
	if err != nil {
		return nil, storeError("count saved", err)
	}
	if n >= c.opts.SaveQuota {
		return nil, ErrQuotaExceeded
	}

	if title == nil && e.Title == nil {
		derived := DeriveTitle(e.Payload)
		title = &derived
	}
	saved := true
	patch := entry.Patch{Saved: &saved, OwnerUserID: &callerID, Title: title, Tags: tags}
	applied, err := c.store.Update(ctx, sig, patch,
		entry.Condition{Owner: entry.OwnerUnsetOr, UserID: callerID})
	if err != nil {
		return nil, storeError("save", err)
	}
	if !applied {
		return c.resolveLostSave(ctx, sig, callerID)
	}

	// Concurrent saves of different signatures can each pass the count
	// above. Re-count and back out if this one pushed the caller over.
	n, err = c.store.CountSaved(ctx, callerID)
	if err != nil {
		c.log.Warn("could not recount saves, keeping save unchecked", "signature", sig, "caller", callerID, "error", err)
	} else if n > c.opts.SaveQuota {
		if err := c.demote(ctx, sig, callerID); err != nil {
			c.log.Error("failed to back out save over quota", "signature", sig, "caller", callerID, "error", err)
			return nil, storeError("save", err)
		}
		return nil, ErrQuotaExceeded
	}

	patch.Apply(e)
	return e, nil
}

// updateOwned applies a metadata patch to a permanent entry owned by callerID.
func (c *Cache) updateOwned(ctx context.Context, e *entry.Entry, callerID string, patch entry.Patch) (*entry.Entry, error) {
	if patch.Empty() {
		return e, nil
	}
	applied, err := c.store.Update(ctx, e.Signature, patch,
		entry.Condition{Owner: entry.OwnerIs, UserID: callerID, RequirePermanent: true})
	if err != nil {
		return nil, storeError("update metadata", err)
	}
	if !applied {
		return nil, c.explainLost(ctx, e.Signature)
	}
	patch.Apply(e)
	return e, nil
}

// resolveLostSave re-reads an entry after a save's conditional update did not apply.
func (c *Cache) resolveLostSave(ctx context.Context, sig, callerID string) (*entry.Entry, error) {
	fresh, err := c.store.Get(ctx, sig)
	if err != nil {
		return nil, storeError("get", err)
	}
	if fresh.Permanent() && fresh.OwnedBy(callerID) {
		return fresh, nil
	}
	return nil, ErrForbidden
}

// explainLost reports why a guarded update on an entry no longer applies.
func (c *Cache) explainLost(ctx context.Context, sig string) error {
	if _, err := c.store.Get(ctx, sig); err != nil {
		return storeError("get", err)
	}
	return ErrForbidden
}

func (c *Cache) demote(ctx context.Context, sig, callerID string) error {
	saved := false
	_, err := c.store.Update(ctx, sig,
		entry.Patch{Saved: &saved, ExpiresAt: c.expiry()},
		entry.Condition{Owner: entry.OwnerIs, UserID: callerID, RequirePermanent: true})
	return err
}

// Unsave demotes a permanent entry owned by callerID back to an ephemeral
// entry with a fresh TTL. Unsaving an entry that is already ephemeral and
// owned by the caller is a no-op.
func (c *Cache) Unsave(ctx context.Context, sig, callerID string) (*entry.Entry, error) {
	if callerID == "" {
		return nil, invalid("caller id is required")
	}
	e, err := c.store.Get(ctx, sig)
	if err != nil {
		return nil, storeError("get", err)
	}
	if !e.OwnedBy(callerID) {
		return nil, ErrForbidden
	}
	if !e.Permanent() {
		return e, nil
	}

	saved := false
	patch := entry.Patch{Saved: &saved, ExpiresAt: c.expiry()}
	applied, err := c.store.Update(ctx, sig, patch,
		entry.Condition{Owner: entry.OwnerIs, UserID: callerID, RequirePermanent: true})
	if err != nil {
		return nil, storeError("unsave", err)
	}
	if !applied {
		fresh, err := c.store.Get(ctx, sig)
		if err != nil {
			return nil, storeError("get", err)
		}
		if !fresh.Permanent() && fresh.OwnedBy(callerID) {
			return fresh, nil
		}
		return nil, ErrForbidden
	}

	c.log.Info("analysis unsaved", "signature", sig, "caller", callerID)
	patch.Apply(e)
	return e, nil
}

// UpdateMetadata edits the title and tags of a permanent entry owned by callerID.
func (c *Cache) UpdateMetadata(ctx context.Context, sig, callerID string, upd MetadataUpdate) (*entry.Entry, error) {
	if callerID == "" {
		return nil, invalid("caller id is required")
	}
	var patch entry.Patch
	if upd.Title != nil {
		title, err := cleanTitle(upd.Title)
		if err != nil {
			return nil, err
		}
		if title == nil {
			return nil, invalid("title must not be empty")
		}
		patch.Title = title
	}
	if upd.Tags != nil {
		tags, err := cleanTags(*upd.Tags)
		if err != nil {
			return nil, err
		}
		patch.Tags = &tags
	}

	e, err := c.store.Get(ctx, sig)
	if err != nil {
		return nil, storeError("get", err)
	}
	if !e.Permanent() || !e.OwnedBy(callerID) {
		return nil, ErrForbidden
	}
	return c.updateOwned(ctx, e, callerID, patch)
}
