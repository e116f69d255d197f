package entry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/signature"
)

const entryColumns = `signature, owner_profile_id, payload, normalized_snapshot, baseline_snapshot,
	created_at, expires_at, owner_user_id, is_saved, title, tags`

// sqlArgs collects positional arguments and renders the dialect's placeholder for each.
type sqlArgs struct {
	args        []any
	placeholder func(n int) string
}

func questionMark(int) string { return "?" }

func dollarN(n int) string { return fmt.Sprintf("$%d", n) }

func (a *sqlArgs) add(v any) string {
	a.args = append(a.args, v)
	return a.placeholder(len(a.args))
}

func (a *sqlArgs) list(values []string) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = a.add(v)
	}
	return strings.Join(ph, ", ")
}

// buildUpdate renders a guarded single-row UPDATE. tagsValue converts tags to
// the dialect's column representation.
func buildUpdate(table, sig string, patch Patch, cond Condition, a *sqlArgs, tagsValue func([]string) (any, error)) (string, error) {
	var set []string
	if patch.Saved != nil {
		if *patch.Saved {
			set = append(set, "is_saved = "+a.add(true), "expires_at = NULL")
		} else {
			set = append(set, "is_saved = "+a.add(false), "expires_at = "+a.add(patch.ExpiresAt.UnixNano()))
		}
	}
	if patch.OwnerUserID != nil {
		set = append(set, "owner_user_id = "+a.add(*patch.OwnerUserID))
	}
	if patch.Title != nil {
		set = append(set, "title = "+a.add(*patch.Title))
	}
	if patch.Tags != nil {
		v, err := tagsValue(tagsOrEmpty(*patch.Tags))
		if err != nil {
			return "", err
		}
		set = append(set, "tags = "+a.add(v))
	}
	if len(set) == 0 {
		// Still evaluates the condition so callers learn whether it holds.
		set = append(set, "signature = signature")
	}

	where := "signature = " + a.add(sig) + conditionClause(cond, a)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(set, ", "), where), nil
}

func conditionClause(cond Condition, a *sqlArgs) string {
	var b strings.Builder
	if cond.RequirePermanent {
		b.WriteString(" AND expires_at IS NULL")
	}
	switch cond.Owner {
	case OwnerUnset:
		b.WriteString(" AND owner_user_id IS NULL")
	case OwnerUnsetOr:
		b.WriteString(" AND (owner_user_id IS NULL OR owner_user_id = " + a.add(cond.UserID) + ")")
	case OwnerIs:
		b.WriteString(" AND owner_user_id = " + a.add(cond.UserID))
	}
	return b.String()
}

func filterClause(f Filter, a *sqlArgs) string {
	var b strings.Builder
	switch f.State {
	case StatePermanent:
		b.WriteString(" AND expires_at IS NULL")
	case StateEphemeral:
		b.WriteString(" AND expires_at IS NOT NULL")
	}
	if !f.LiveAt.IsZero() {
		live := "expires_at IS NULL OR expires_at > " + a.add(f.LiveAt.UnixNano())
		if f.OrOwnedBy != "" {
			live += " OR owner_user_id = " + a.add(f.OrOwnedBy)
		}
		b.WriteString(" AND (" + live + ")")
	}
	return b.String()
}

// rowFields is the decoded column set shared by the SQL backends.
type rowFields struct {
	signature      string
	ownerProfileID string
	payload        []byte
	snapshot       []byte
	baseline       []byte
	createdAt      int64
	expiresAt      *int64
	ownerUserID    *string
	isSaved        bool
	title          *string
	tags           []string
}

func (r rowFields) entry() (*Entry, error) {
	e := &Entry{
		Signature:      r.signature,
		OwnerProfileID: r.ownerProfileID,
		CreatedAt:      time.Unix(0, r.createdAt).UTC(),
		ExpiresAt:      fromUnixNano(r.expiresAt),
		OwnerUserID:    r.ownerUserID,
		IsSaved:        r.isSaved,
		Title:          r.title,
		Tags:           tagsOrEmpty(r.tags),
	}
	if len(r.payload) > 0 && string(r.payload) != "null" {
		e.Payload = append(json.RawMessage(nil), r.payload...)
	}
	var snap signature.Request
	if len(r.snapshot) > 0 {
		if err := json.Unmarshal(r.snapshot, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot of %s: %w", r.signature, err)
		}
	}
	e.Snapshot = snap
	if len(r.baseline) > 0 {
		if err := json.Unmarshal(r.baseline, &e.Baseline); err != nil {
			return nil, fmt.Errorf("decode baseline of %s: %w", r.signature, err)
		}
	}
	return e, nil
}

// withSnapshot builds the entry from already-decoded snapshot fields.
func (r rowFields) withSnapshot(snap signature.Request, baseline Baseline) (*Entry, error) {
	r.snapshot, r.baseline = nil, nil
	e, err := r.entry()
	if err != nil {
		return nil, err
	}
	e.Snapshot = snap
	e.Baseline = baseline
	return e, nil
}
