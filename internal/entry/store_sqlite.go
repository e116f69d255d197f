package entry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SQLiteStore stores entries in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the analysis_cache table and indexes if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS analysis_cache (
			signature TEXT PRIMARY KEY,
			owner_profile_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			normalized_snapshot TEXT NOT NULL,
			baseline_snapshot TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER,
			owner_user_id TEXT,
			is_saved INTEGER NOT NULL DEFAULT 0,
			title TEXT,
			tags TEXT NOT NULL DEFAULT '[]'
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis_cache table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_analysis_cache_profile ON analysis_cache(owner_profile_id)",
		"CREATE INDEX IF NOT EXISTS idx_analysis_cache_saved ON analysis_cache(owner_user_id, is_saved, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_analysis_cache_expires_at ON analysis_cache(expires_at)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func sqliteTags(tags []string) (any, error) {
	b, err := marshalJSON(tags, "tags")
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Upsert inserts or replaces an entry.
func (s *SQLiteStore) Upsert(ctx context.Context, e *Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	snapshot, err := marshalJSON(e.Snapshot, "snapshot")
	if err != nil {
		return err
	}
	baseline, err := marshalJSON(e.Baseline, "baseline")
	if err != nil {
		return err
	}
	tags, err := sqliteTags(tagsOrEmpty(e.Tags))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO analysis_cache (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Signature, e.OwnerProfileID, string(payloadBytes(e.Payload)), string(snapshot), string(baseline),
		e.CreatedAt.UnixNano(), unixNano(e.ExpiresAt), e.OwnerUserID, e.IsSaved, e.Title, tags)
	if err != nil {
		return classifySQLite(fmt.Errorf("upsert entry: %w", err))
	}
	return nil
}

// Get returns an entry by signature.
func (s *SQLiteStore) Get(ctx context.Context, sig string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM analysis_cache WHERE signature = ?", sig)
	e, err := scanSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifySQLite(fmt.Errorf("query entry: %w", err))
	}
	return e, nil
}

// GetMany returns entries among sigs that pass filter.
func (s *SQLiteStore) GetMany(ctx context.Context, sigs []string, filter Filter) ([]*Entry, error) {
	if len(sigs) == 0 {
		return []*Entry{}, nil
	}
	a := &sqlArgs{placeholder: questionMark}
	query := "SELECT " + entryColumns + " FROM analysis_cache WHERE signature IN (" + a.list(sigs) + ")" + filterClause(filter, a)
	return s.queryEntries(ctx, query, a.args...)
}

// Update applies a guarded partial update.
func (s *SQLiteStore) Update(ctx context.Context, sig string, patch Patch, cond Condition) (bool, error) {
	if err := patch.Validate(); err != nil {
		return false, err
	}
	a := &sqlArgs{placeholder: questionMark}
	query, err := buildUpdate("analysis_cache", sig, patch, cond, a, sqliteTags)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, query, a.args...)
	if err != nil {
		return false, classifySQLite(fmt.Errorf("update entry: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read update rows affected: %w", err)
	}
	return affected > 0, nil
}

// Delete removes one entry.
func (s *SQLiteStore) Delete(ctx context.Context, sig string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM analysis_cache WHERE signature = ?", sig); err != nil {
		return classifySQLite(fmt.Errorf("delete entry: %w", err))
	}
	return nil
}

// DeleteByProfile removes every entry of a profile.
func (s *SQLiteStore) DeleteByProfile(ctx context.Context, profileID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM analysis_cache WHERE owner_profile_id = ?", profileID)
	if err != nil {
		return 0, classifySQLite(fmt.Errorf("delete profile entries: %w", err))
	}
	return result.RowsAffected()
}

// CountSaved counts saved entries owned by userID.
func (s *SQLiteStore) CountSaved(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM analysis_cache WHERE owner_user_id = ? AND is_saved = 1", userID).Scan(&n)
	if err != nil {
		return 0, classifySQLite(fmt.Errorf("count saved entries: %w", err))
	}
	return n, nil
}

// ListSaved returns saved entries ordered by created_at desc, signature desc.
func (s *SQLiteStore) ListSaved(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM analysis_cache
		WHERE owner_user_id = ? AND is_saved = 1
		ORDER BY created_at DESC, signature DESC
		LIMIT ? OFFSET ?
	`, userID, normalizeLimit(limit), normalizeOffset(offset))
}

// DeleteExpired removes ephemeral entries expired at or before before.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM analysis_cache WHERE expires_at IS NOT NULL AND expires_at <= ?", before.UnixNano())
	if err != nil {
		return 0, classifySQLite(fmt.Errorf("delete expired entries: %w", err))
	}
	return result.RowsAffected()
}

// Close is a no-op; DB lifecycle is managed by storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("query entries: %w", err))
	}
	defer rows.Close()

	items := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(fmt.Errorf("iterate entry rows: %w", err))
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*Entry, error) {
	var (
		r                           rowFields
		payload, snapshot, baseline string
		tags                        string
		expiresAt                   sql.NullInt64
		ownerUserID, title          sql.NullString
	)
	if err := row.Scan(&r.signature, &r.ownerProfileID, &payload, &snapshot, &baseline,
		&r.createdAt, &expiresAt, &ownerUserID, &r.isSaved, &title, &tags); err != nil {
		return nil, err
	}
	r.payload = []byte(payload)
	r.snapshot = []byte(snapshot)
	r.baseline = []byte(baseline)
	if expiresAt.Valid {
		r.expiresAt = &expiresAt.Int64
	}
	if ownerUserID.Valid {
		r.ownerUserID = &ownerUserID.String
	}
	if title.Valid {
		r.title = &title.String
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &r.tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", r.signature, err)
		}
	}
	return r.entry()
}

// classifySQLite marks busy/locked errors as transient and uniqueness
// failures as constraint violations.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case strings.Contains(msg, "UNIQUE constraint failed"), strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%w: %w", ErrConstraint, err)
	}
	return classifyCommon(err)
}
