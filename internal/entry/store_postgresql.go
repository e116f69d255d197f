package entry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore stores entries in PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the analysis_cache table and indexes if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS analysis_cache (
			signature TEXT PRIMARY KEY,
			owner_profile_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			normalized_snapshot JSONB NOT NULL,
			baseline_snapshot JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT,
			owner_user_id TEXT,
			is_saved BOOLEAN NOT NULL DEFAULT FALSE,
			title TEXT,
			tags TEXT[] NOT NULL DEFAULT '{}'
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis_cache table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_analysis_cache_profile ON analysis_cache(owner_profile_id)",
		"CREATE INDEX IF NOT EXISTS idx_analysis_cache_saved ON analysis_cache(owner_user_id, created_at DESC) WHERE is_saved",
		"CREATE INDEX IF NOT EXISTS idx_analysis_cache_expires_at ON analysis_cache(expires_at) WHERE expires_at IS NOT NULL",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			return nil, fmt.Errorf("failed to create analysis_cache index: %w", err)
		}
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func postgresTags(tags []string) (any, error) {
	return tags, nil
}

// Upsert inserts or replaces an entry.
func (s *PostgreSQLStore) Upsert(ctx context.Context, e *Entry) error {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_cache (`+entryColumns+`)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (signature) DO UPDATE SET
			owner_profile_id = EXCLUDED.owner_profile_id,
			payload = EXCLUDED.payload,
			normalized_snapshot = EXCLUDED.normalized_snapshot,
			baseline_snapshot = EXCLUDED.baseline_snapshot,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			owner_user_id = EXCLUDED.owner_user_id,
			is_saved = EXCLUDED.is_saved,
			title = EXCLUDED.title,
			tags = EXCLUDED.tags
	`, e.Signature, e.OwnerProfileID, payloadBytes(e.Payload), snapshot, baseline,
		e.CreatedAt.UnixNano(), unixNano(e.ExpiresAt), e.OwnerUserID, e.IsSaved, e.Title, tagsOrEmpty(e.Tags))
	if err != nil {
		return classifyPostgres(fmt.Errorf("upsert entry: %w", err))
	}
	return nil
}

// Get returns an entry by signature.
func (s *PostgreSQLStore) Get(ctx context.Context, sig string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+entryColumns+" FROM analysis_cache WHERE signature = $1", sig)
	e, err := scanPostgres(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPostgres(fmt.Errorf("query entry: %w", err))
	}
	return e, nil
}

// GetMany returns entries among sigs that pass filter.
func (s *PostgreSQLStore) GetMany(ctx context.Context, sigs []string, filter Filter) ([]*Entry, error) {
	if len(sigs) == 0 {
		return []*Entry{}, nil
	}
	a := &sqlArgs{placeholder: dollarN}
	query := "SELECT " + entryColumns + " FROM analysis_cache WHERE signature = ANY(" + a.add(sigs) + ")" + filterClause(filter, a)
	return s.queryEntries(ctx, query, a.args...)
}

// Update applies a guarded partial update.
func (s *PostgreSQLStore) Update(ctx context.Context, sig string, patch Patch, cond Condition) (bool, error) {
	if err := patch.Validate(); err != nil {
		return false, err
	}
	a := &sqlArgs{placeholder: dollarN}
	query, err := buildUpdate("analysis_cache", sig, patch, cond, a, postgresTags)
	if err != nil {
		return false, err
	}
	cmd, err := s.pool.Exec(ctx, query, a.args...)
	if err != nil {
		return false, classifyPostgres(fmt.Errorf("update entry: %w", err))
	}
	return cmd.RowsAffected() > 0, nil
}

// Delete removes one entry.
func (s *PostgreSQLStore) Delete(ctx context.Context, sig string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM analysis_cache WHERE signature = $1", sig); err != nil {
		return classifyPostgres(fmt.Errorf("delete entry: %w", err))
	}
	return nil
}

// DeleteByProfile removes every entry of a profile.
func (s *PostgreSQLStore) DeleteByProfile(ctx context.Context, profileID string) (int64, error) {
	cmd, err := s.pool.Exec(ctx, "DELETE FROM analysis_cache WHERE owner_profile_id = $1", profileID)
	if err != nil {
		return 0, classifyPostgres(fmt.Errorf("delete profile entries: %w", err))
	}
	return cmd.RowsAffected(), nil
}

// CountSaved counts saved entries owned by userID.
func (s *PostgreSQLStore) CountSaved(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM analysis_cache WHERE owner_user_id = $1 AND is_saved", userID).Scan(&n)
	if err != nil {
		return 0, classifyPostgres(fmt.Errorf("count saved entries: %w", err))
	}
	return n, nil
}

// ListSaved returns saved entries ordered by created_at desc, signature desc.
func (s *PostgreSQLStore) ListSaved(ctx context.Context, userID string, limit, offset int) ([]*Entry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM analysis_cache
		WHERE owner_user_id = $1 AND is_saved
		ORDER BY created_at DESC, signature DESC
		LIMIT $2 OFFSET $3
	`, userID, normalizeLimit(limit), normalizeOffset(offset))
}

// DeleteExpired removes ephemeral entries expired at or before before.
func (s *PostgreSQLStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	cmd, err := s.pool.Exec(ctx,
		"DELETE FROM analysis_cache WHERE expires_at IS NOT NULL AND expires_at <= $1", before.UnixNano())
	if err != nil {
		return 0, classifyPostgres(fmt.Errorf("delete expired entries: %w", err))
	}
	return cmd.RowsAffected(), nil
}

// Close is a no-op; pool lifecycle is managed by storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}

func (s *PostgreSQLStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgres(fmt.Errorf("query entries: %w", err))
	}
	defer rows.Close()

	items := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(fmt.Errorf("iterate entry rows: %w", err))
	}
	return items, nil
}

func scanPostgres(row pgx.Row) (*Entry, error) {
	var r rowFields
	if err := row.Scan(&r.signature, &r.ownerProfileID, &r.payload, &r.snapshot, &r.baseline,
		&r.createdAt, &r.expiresAt, &r.ownerUserID, &r.isSaved, &r.title, &r.tags); err != nil {
		return nil, err
	}
	return r.entry()
}

// classifyPostgres maps SQLSTATE classes onto the store error taxonomy.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P03":
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "23":
			return fmt.Errorf("%w: %w", ErrConstraint, err)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return classifyCommon(err)
}
