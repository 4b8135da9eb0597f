package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at startup. Accounts live in the users table
// owned by the account service; user ids here are plain references.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS matches (
		id          UUID PRIMARY KEY,
		status      TEXT NOT NULL DEFAULT 'in_progress',
		mode        TEXT NOT NULL DEFAULT 'classic',
		winner_id   UUID,
		started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at    TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS match_players (
		id           UUID PRIMARY KEY,
		match_id     UUID NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
		user_id      UUID NOT NULL,
		final_score  INTEGER NOT NULL DEFAULT 0,
		is_winner    BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (match_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_stats (
		user_id            UUID PRIMARY KEY,
		total_matches      INTEGER NOT NULL DEFAULT 0,
		wins               INTEGER NOT NULL DEFAULT 0,
		losses             INTEGER NOT NULL DEFAULT 0,
		classic_played     INTEGER NOT NULL DEFAULT 0,
		classic_won        INTEGER NOT NULL DEFAULT 0,
		classic_lost       INTEGER NOT NULL DEFAULT 0,
		tournament_played  INTEGER NOT NULL DEFAULT 0,
		tournament_won     INTEGER NOT NULL DEFAULT 0,
		tournament_lost    INTEGER NOT NULL DEFAULT 0,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS match_actions (
		match_id        UUID NOT NULL,
		action_index    INTEGER NOT NULL,
		actor_user_id   UUID,
		action_type     TEXT NOT NULL,
		action_payload  JSONB NOT NULL DEFAULT '{}'::jsonb,
		recorded_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (match_id, action_index)
	)`,
}

// Migrate creates the tables used by the scoring service if they are missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	err := pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
