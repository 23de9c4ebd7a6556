package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are idempotent and run in order on every start.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS images (
		id                 TEXT PRIMARY KEY,
		client_key         TEXT NOT NULL DEFAULT '',
		bucket             TEXT NOT NULL,
		object_key         TEXT NOT NULL,
		format             TEXT NOT NULL,
		size_bytes         BIGINT NOT NULL,
		nsfw_score         REAL,
		visibility         TEXT NOT NULL DEFAULT 'private',
		status             TEXT NOT NULL DEFAULT 'processing',
		checksum           BYTEA,
		signature          BYTEA,
		moderation_status  TEXT NOT NULL DEFAULT 'pending',
		moderation_result  JSONB,
		moderation_checked BOOLEAN NOT NULL DEFAULT FALSE,
		is_flagged         BOOLEAN NOT NULL DEFAULT FALSE,
		expire_at          TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_images_created ON images (created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS moderation_tasks (
		id            TEXT PRIMARY KEY,
		subject_id    TEXT NOT NULL REFERENCES images (id) ON DELETE CASCADE,
		subject_ref   TEXT NOT NULL,
		artifact_name TEXT NOT NULL,
		client_key    TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		retry_count   INTEGER NOT NULL DEFAULT 0,
		result        JSONB,
		last_error    TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		CONSTRAINT moderation_tasks_status_check
			CHECK (status IN ('pending', 'processing', 'completed', 'failed', 'error'))
	)`,
	// one live task per image
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_moderation_tasks_live_subject
		ON moderation_tasks (subject_id)
		WHERE status IN ('pending', 'processing', 'failed')`,
	`CREATE INDEX IF NOT EXISTS idx_moderation_tasks_eligible
		ON moderation_tasks (created_at)
		WHERE status IN ('pending', 'failed')`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, m := range migrations {
		if _, err := pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
