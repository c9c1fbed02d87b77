package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jltardim/chatwoot-linkedin/internal/dedupe"
)

// DedupeStore persists echo-suppression fingerprints in the dedupe_cache
// table. Upserts are atomic on the key; expiry is enforced by filtering at
// query time, never by a background sweep.
type DedupeStore struct {
	db *sql.DB
}

// NewDedupeStore creates a DedupeStore over the given connection pool.
func NewDedupeStore(db *sql.DB) *DedupeStore {
	return &DedupeStore{db: db}
}

// Upsert inserts a fingerprint record, or refreshes an existing record's
// expiry (last write wins).
func (s *DedupeStore) Upsert(ctx context.Context, rec dedupe.Record) error {
	query := `INSERT INTO dedupe_cache (dedupe_key, chat_id, normalized_text, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			normalized_text = EXCLUDED.normalized_text,
			expires_at = EXCLUDED.expires_at`

	if _, err := s.db.ExecContext(ctx, query, rec.Key, rec.ChatID, rec.NormalizedText, rec.ExpiresAt); err != nil {
		return fmt.Errorf("failed to upsert dedupe record: %w", err)
	}
	return nil
}

// Exists reports whether a live record is present for key as of now.
func (s *DedupeStore) Exists(ctx context.Context, key string, now time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM dedupe_cache WHERE dedupe_key = $1 AND expires_at > $2)",
		key, now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe record: %w", err)
	}
	return exists, nil
}
