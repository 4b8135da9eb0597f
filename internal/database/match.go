// internal/database/match.go
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/rally/internal/cache"
	"github.com/jason-s-yu/rally/internal/models"
)

// MatchRepository stores matches, their players and the per-account aggregates.
type MatchRepository struct {
	pool *pgxpool.Pool
}

func NewMatchRepository(pool *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{pool: pool}
}

// CreateMatch inserts an in-progress match together with its player rows.
func (r *MatchRepository) CreateMatch(ctx context.Context, m *models.Match, players []models.MatchPlayer) error {
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO matches (id, status, mode, started_at)
			VALUES ($1, $2, $3, $4)
		`
		if _, err := tx.Exec(ctx, q, m.ID, m.Status, m.Mode, m.StartedAt); err != nil {
			return err
		}
		for _, p := range players {
			pq := `
				INSERT INTO match_players (id, match_id, user_id, final_score, is_winner)
				VALUES ($1, $2, $3, 0, false)
			`
			if _, err := tx.Exec(ctx, pq, p.ID, m.ID, p.UserID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert match %s: %w", m.ID, err)
	}
	return nil
}

// LoadMatch fetches a match and its player rows. It returns ErrNotFound if the match does not exist.
func (r *MatchRepository) LoadMatch(ctx context.Context, matchID uuid.UUID) (*models.Match, []models.MatchPlayer, error) {
	var m models.Match
	q := `
		SELECT id, status, mode, winner_id, started_at, ended_at
		FROM matches
		WHERE id = $1
	`
	err := r.pool.QueryRow(ctx, q, matchID).Scan(
		&m.ID, &m.Status, &m.Mode, &m.WinnerID, &m.StartedAt, &m.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	pq := `
		SELECT id, match_id, user_id, final_score, is_winner
		FROM match_players
		WHERE match_id = $1
		ORDER BY id
	`
	rows, err := r.pool.Query(ctx, pq, matchID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var players []models.MatchPlayer
	for rows.Next() {
		var p models.MatchPlayer
		if err := rows.Scan(&p.ID, &p.MatchID, &p.UserID, &p.FinalScore, &p.IsWinner); err != nil {
			return nil, nil, err
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &m, players, nil
}

// CompleteMatch writes the final scores and winner flags and marks the match
// completed. The status guard makes a second completion fail with ErrAlreadyCompleted.
func (r *MatchRepository) CompleteMatch(ctx context.Context, matchID uuid.UUID, winner, loser models.MatchPlayer) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			UPDATE matches
			SET status = 'completed', winner_id = $2, ended_at = NOW()
			WHERE id = $1 AND status = 'in_progress'
		`
		ct, err := tx.Exec(ctx, q, matchID, winner.UserID)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return ErrAlreadyCompleted
		}

		pq := `
			UPDATE match_players
			SET final_score = $3, is_winner = $4
			WHERE match_id = $1 AND id = $2
		`
		for _, p := range []models.MatchPlayer{winner, loser} {
			ct, err := tx.Exec(ctx, pq, matchID, p.ID, p.FinalScore, p.IsWinner)
			if err != nil {
				return err
			}
			if ct.RowsAffected() != 1 {
				return fmt.Errorf("match player %s of match %s: %w", p.ID, matchID, ErrNotFound)
			}
		}
		return nil
	})
}

// UpsertUserStats adds one finished match to userID's aggregate in a single
// statement, so concurrent finalizations touching the same account never lose updates.
func (r *MatchRepository) UpsertUserStats(ctx context.Context, userID uuid.UUID, mode string, won bool) error {
	d := models.UserStats{UserID: userID}
	d.Apply(mode, won)

	q := `
		INSERT INTO user_stats (
			user_id, total_matches, wins, losses,
			classic_played, classic_won, classic_lost,
			tournament_played, tournament_won, tournament_lost
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			total_matches     = user_stats.total_matches + EXCLUDED.total_matches,
			wins              = user_stats.wins + EXCLUDED.wins,
			losses            = user_stats.losses + EXCLUDED.losses,
			classic_played    = user_stats.classic_played + EXCLUDED.classic_played,
			classic_won       = user_stats.classic_won + EXCLUDED.classic_won,
			classic_lost      = user_stats.classic_lost + EXCLUDED.classic_lost,
			tournament_played = user_stats.tournament_played + EXCLUDED.tournament_played,
			tournament_won    = user_stats.tournament_won + EXCLUDED.tournament_won,
			tournament_lost   = user_stats.tournament_lost + EXCLUDED.tournament_lost,
			updated_at        = NOW()
	`
	_, err := r.pool.Exec(ctx, q,
		d.UserID, d.TotalMatches, d.Wins, d.Losses,
		d.ClassicPlayed, d.ClassicWon, d.ClassicLost,
		d.TournamentPlayed, d.TournamentWon, d.TournamentLost,
	)
	if err != nil {
		return fmt.Errorf("upsert user stats %s: %w", userID, err)
	}
	return nil
}

// GetUserStats reads an account's aggregate, or ErrNotFound.
func (r *MatchRepository) GetUserStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	var s models.UserStats
	q := `
		SELECT user_id, total_matches, wins, losses,
		       classic_played, classic_won, classic_lost,
		       tournament_played, tournament_won, tournament_lost
		FROM user_stats
		WHERE user_id = $1
	`
	err := r.pool.QueryRow(ctx, q, userID).Scan(
		&s.UserID, &s.TotalMatches, &s.Wins, &s.Losses,
		&s.ClassicPlayed, &s.ClassicWon, &s.ClassicLost,
		&s.TournamentPlayed, &s.TournamentWon, &s.TournamentLost,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkMatchAbandoned flags a match that never finished. It reports whether a row changed.
func (r *MatchRepository) MarkMatchAbandoned(ctx context.Context, matchID uuid.UUID) (bool, error) {
	q := `
		UPDATE matches
		SET status = 'abandoned', ended_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`
	ct, err := r.pool.Exec(ctx, q, matchID)
	if err != nil {
		return false, fmt.Errorf("mark match %s abandoned: %w", matchID, err)
	}
	return ct.RowsAffected() > 0, nil
}

// InsertMatchActions stores a batch of journal records in one transaction.
// Redelivered records are skipped.
func (r *MatchRepository) InsertMatchActions(ctx context.Context, recs []cache.MatchActionRecord) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		q := `
			INSERT INTO match_actions (
				match_id, action_index, actor_user_id, action_type, action_payload, recorded_at
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (match_id, action_index) DO NOTHING
		`
		for _, rec := range recs {
			payload, err := json.Marshal(rec.ActionPayload)
			if err != nil {
				return err
			}
			var actor *uuid.UUID
			if rec.ActorUserID != uuid.Nil {
				a := rec.ActorUserID
				actor = &a
			}
			recordedAt := time.UnixMilli(rec.Timestamp)
			if _, err := tx.Exec(ctx, q, rec.MatchID, rec.ActionIndex, actor, rec.ActionType, payload, recordedAt); err != nil {
				return fmt.Errorf("insert action %d of match %s: %w", rec.ActionIndex, rec.MatchID, err)
			}
		}
		return nil
	})
}
