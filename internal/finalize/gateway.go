// internal/finalize/gateway.go
package finalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/database"
	"github.com/jason-s-yu/rally/internal/metrics"
	"github.com/jason-s-yu/rally/internal/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Finalization failures. They are reported, never retried here.
var (
	ErrNotFound          = errors.New("finalization: match not found")
	ErrInconsistentState = errors.New("finalization: inconsistent match state")
	ErrAlreadyFinalized  = errors.New("finalization: match already finalized")
)

// Repository is the slice of durable storage the gateway needs.
type Repository interface {
	// LoadMatch returns the match and its player rows, or database.ErrNotFound.
	LoadMatch(ctx context.Context, matchID uuid.UUID) (*models.Match, []models.MatchPlayer, error)

	// CompleteMatch writes both player rows and marks the match completed in
	// one transaction. It returns database.ErrAlreadyCompleted when the match
	// is no longer in progress.
	CompleteMatch(ctx context.Context, matchID uuid.UUID, winner, loser models.MatchPlayer) error

	// UpsertUserStats atomically adds one match to the account's aggregate,
	// creating the aggregate on first use.
	UpsertUserStats(ctx context.Context, userID uuid.UUID, mode string, won bool) error
}

// Gateway persists finished matches. It satisfies scoring.Finalizer.
type Gateway struct {
	repo    Repository
	logger  *logrus.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewGateway(repo Repository, logger *logrus.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		repo:    repo,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("github.com/jason-s-yu/rally/internal/finalize"),
	}
}

// FinalizeMatch records the outcome of matchID: both player rows, the match
// row, then each account's aggregate. Errors leave the in-memory result alone.
func (g *Gateway) FinalizeMatch(ctx context.Context, matchID, winnerID uuid.UUID, finalScores map[uuid.UUID]int) (err error) {
	ctx, span := g.tracer.Start(ctx, "finalize.FinalizeMatch", trace.WithAttributes(
		attribute.String("match_id", matchID.String()),
		attribute.String("winner_id", winnerID.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		g.metrics.FinalizationObserved(resultLabel(err), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	match, players, err := g.repo.LoadMatch(ctx, matchID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, matchID)
		}
		return fmt.Errorf("load match %s: %w", matchID, err)
	}

	winner, loser, err := splitPlayers(players, winnerID)
	if err != nil {
		return fmt.Errorf("match %s: %w", matchID, err)
	}

	var ok bool
	if winner.FinalScore, ok = finalScores[winner.UserID]; !ok {
		return fmt.Errorf("%w: match %s has no final score for winner %s", ErrInconsistentState, matchID, winner.UserID)
	}
	if loser.FinalScore, ok = finalScores[loser.UserID]; !ok {
		return fmt.Errorf("%w: match %s has no final score for loser %s", ErrInconsistentState, matchID, loser.UserID)
	}
	winner.IsWinner = true
	loser.IsWinner = false

	if err := g.repo.CompleteMatch(ctx, matchID, winner, loser); err != nil {
		if errors.Is(err, database.ErrAlreadyCompleted) {
			return fmt.Errorf("%w: %s", ErrAlreadyFinalized, matchID)
		}
		return fmt.Errorf("complete match %s: %w", matchID, err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.repo.UpsertUserStats(egCtx, winner.UserID, match.Mode, true)
	})
	eg.Go(func() error {
		return g.repo.UpsertUserStats(egCtx, loser.UserID, match.Mode, false)
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("update user stats for match %s: %w", matchID, err)
	}

	g.logger.WithFields(logrus.Fields{
		"match_id":     matchID,
		"winner":       winner.UserID,
		"winner_score": winner.FinalScore,
		"loser":        loser.UserID,
		"loser_score":  loser.FinalScore,
		"mode":         match.Mode,
	}).Info("match result persisted")
	return nil
}

// splitPlayers picks the winner and loser rows by user id. Exactly one of
// exactly two rows must belong to winnerID.
func splitPlayers(players []models.MatchPlayer, winnerID uuid.UUID) (winner, loser models.MatchPlayer, err error) {
	if len(players) != 2 {
		return winner, loser, fmt.Errorf("%w: expected 2 match players, found %d", ErrInconsistentState, len(players))
	}
	first, second := players[0].UserID == winnerID, players[1].UserID == winnerID
	switch {
	case first && !second:
		return players[0], players[1], nil
	case second && !first:
		return players[1], players[0], nil
	case first && second:
		return winner, loser, fmt.Errorf("%w: both players match winner %s", ErrInconsistentState, winnerID)
	default:
		return winner, loser, fmt.Errorf("%w: no player matches winner %s", ErrInconsistentState, winnerID)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInconsistentState):
		return "inconsistent_state"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	default:
		return "error"
	}
}
