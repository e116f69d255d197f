// Package entry provides persistence for analysis cache entries.
//
// Every backend stores one row (or document, or key) per signature and
// supports conditional single-entry updates; that precondition check is the
// only synchronization point for concurrent cache writers.
package entry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/signature"
)

var (
	// ErrNotFound indicates no entry exists at the requested signature.
	ErrNotFound = errors.New("entry not found")
	// ErrTransient marks timeouts and connectivity failures that may succeed on retry.
	ErrTransient = errors.New("transient store error")
	// ErrConstraint marks uniqueness or other constraint failures reported by the store.
	ErrConstraint = errors.New("store constraint violation")
)

// Baseline holds the two scores captured when an entry was created.
type Baseline struct {
	Primary   float64 `json:"primary" bson:"primary"`
	Secondary float64 `json:"secondary" bson:"secondary"`
}

// Entry is a cached analysis result.
//
// ExpiresAt == nil means the entry is permanent (saved); any other value makes
// it ephemeral and valid only while now < *ExpiresAt.
type Entry struct {
	Signature      string            `json:"signature"`
	OwnerProfileID string            `json:"owner_profile_id"`
	Payload        json.RawMessage   `json:"payload"`
	Snapshot       signature.Request `json:"normalized_snapshot"`
	Baseline       Baseline          `json:"baseline_snapshot"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      *time.Time        `json:"expires_at"`
	OwnerUserID    *string           `json:"owner_user_id"`
	IsSaved        bool              `json:"is_saved"`
	Title          *string           `json:"title"`
	Tags           []string          `json:"tags"`
}

// Permanent reports whether the entry has no expiry.
func (e *Entry) Permanent() bool {
	return e.ExpiresAt == nil
}

// ExpiredAt reports whether an ephemeral entry is past its expiry at now.
// Permanent entries never expire.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Owner returns the owning user id, or "" when unset.
func (e *Entry) Owner() string {
	if e.OwnerUserID == nil {
		return ""
	}
	return *e.OwnerUserID
}

// OwnedBy reports whether userID is the entry's owner. An empty userID never owns anything.
func (e *Entry) OwnedBy(userID string) bool {
	return userID != "" && e.OwnerUserID != nil && *e.OwnerUserID == userID
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	if e.OwnerUserID != nil {
		s := *e.OwnerUserID
		c.OwnerUserID = &s
	}
	if e.Title != nil {
		s := *e.Title
		c.Title = &s
	}
	if e.Tags != nil {
		c.Tags = append(make([]string, 0, len(e.Tags)), e.Tags...)
	}
	return &c
}

// State selects entries by lifecycle state.
type State int

const (
	// StateAny matches permanent and ephemeral entries.
	StateAny State = iota
	// StatePermanent matches entries without an expiry.
	StatePermanent
	// StateEphemeral matches entries with an expiry.
	StateEphemeral
)

// Filter narrows a multi-signature lookup.
type Filter struct {
	State State
	// LiveAt, when non-zero, excludes ephemeral entries expired at that instant.
	LiveAt time.Time
	// OrOwnedBy keeps expired ephemeral entries owned by this user despite LiveAt.
	OrOwnedBy string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *Entry) bool {
	switch f.State {
	case StatePermanent:
		if !e.Permanent() {
			return false
		}
	case StateEphemeral:
		if e.Permanent() {
			return false
		}
	}
	if !f.LiveAt.IsZero() && e.ExpiredAt(f.LiveAt) {
		return e.OwnedBy(f.OrOwnedBy)
	}
	return true
}

// OwnerMatch is the ownership precondition of a conditional update.
type OwnerMatch int

const (
	// OwnerAny applies regardless of the current owner.
	OwnerAny OwnerMatch = iota
	// OwnerUnset applies only while no owner is recorded.
	OwnerUnset
	// OwnerUnsetOr applies while no owner is recorded or the owner equals Condition.UserID.
	OwnerUnsetOr
	// OwnerIs applies only when the owner equals Condition.UserID.
	OwnerIs
)

// Condition guards an Update. It is evaluated atomically with the write.
type Condition struct {
	Owner            OwnerMatch
	UserID           string
	RequirePermanent bool
}

// Holds reports whether the condition is satisfied by e.
func (c Condition) Holds(e *Entry) bool {
	if c.RequirePermanent && !e.Permanent() {
		return false
	}
	switch c.Owner {
	case OwnerUnset:
		return e.OwnerUserID == nil
	case OwnerUnsetOr:
		return e.OwnerUserID == nil || *e.OwnerUserID == c.UserID
	case OwnerIs:
		return e.OwnerUserID != nil && *e.OwnerUserID == c.UserID
	default:
		return true
	}
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	// Saved moves the entry between states: true clears the expiry,
	// false sets it to ExpiresAt.
	Saved       *bool
	ExpiresAt   time.Time
	OwnerUserID *string
	Title       *string
	Tags        *[]string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Saved == nil && p.OwnerUserID == nil && p.Title == nil && p.Tags == nil
}

// Validate rejects patches that would break the saved/expiry invariant.
func (p Patch) Validate() error {
	if p.Saved != nil && !*p.Saved && p.ExpiresAt.IsZero() {
		return fmt.Errorf("patch demotes entry without an expiry")
	}
	return nil
}

// Apply mutates e according to the patch.
func (p Patch) Apply(e *Entry) {
	if p.Saved != nil {
		e.IsSaved = *p.Saved
		if *p.Saved {
			e.ExpiresAt = nil
		} else {
			t := p.ExpiresAt
			e.ExpiresAt = &t
		}
	}
	if p.OwnerUserID != nil {
		s := *p.OwnerUserID
		e.OwnerUserID = &s
	}
	if p.Title != nil {
		s := *p.Title
		e.Title = &s
	}
	if p.Tags != nil {
		e.Tags = append([]string{}, (*p.Tags)...)
	}
}

// Store defines persistence operations for cache entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Upsert inserts e or replaces the entry at e.Signature wholesale.
	Upsert(ctx context.Context, e *Entry) error
	// Get returns the entry at sig or ErrNotFound.
	Get(ctx context.Context, sig string) (*Entry, error)
	// GetMany returns the entries among sigs that pass the filter, in no particular order.
	GetMany(ctx context.Context, sigs []string, filter Filter) ([]*Entry, error)
	// Update applies patch when cond holds at write time. It reports false,
	// with a nil error, when the entry is absent or cond no longer holds.
	Update(ctx context.Context, sig string, patch Patch, cond Condition) (bool, error)
	// Delete removes the entry at sig. Deleting an absent entry is not an error.
	Delete(ctx context.Context, sig string) error
	// DeleteByProfile removes every entry produced for profileID.
	DeleteByProfile(ctx context.Context, profileID string) (int64, error)
	// CountSaved returns how many saved entries userID owns.
	CountSaved(ctx context.Context, userID string) (int, error)
	// ListSaved returns userID's saved entries, newest first.
	ListSaved(ctx context.Context, userID string, limit, offset int) ([]*Entry, error)
	// DeleteExpired removes ephemeral entries whose expiry is at or before before.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

func validateEntry(e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry is nil")
	}
	if e.Signature == "" {
		return fmt.Errorf("entry signature is required")
	}
	if e.IsSaved != (e.ExpiresAt == nil) {
		return fmt.Errorf("entry %s: is_saved must be set exactly when expires_at is empty", e.Signature)
	}
	return nil
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 100:
		return 100
	default:
		return limit
	}
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func marshalJSON(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", what, err)
	}
	return b, nil
}

func payloadBytes(p json.RawMessage) []byte {
	if len(p) == 0 {
		return []byte("null")
	}
	return p
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func unixNano(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromUnixNano(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}
