//go:build integration

package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/rally/internal/cache"
	"github.com/jason-s-yu/rally/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rally"),
		postgres.WithUsername("rally"),
		postgres.WithPassword("rally"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(45*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := ConnectDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrations are idempotent")
	return pool
}

func seedMatch(t *testing.T, repo *MatchRepository, mode string, a, b uuid.UUID) (uuid.UUID, []models.MatchPlayer) {
	t.Helper()
	m := &models.Match{
		ID:        uuid.New(),
		Status:    models.MatchStatusInProgress,
		Mode:      mode,
		StartedAt: time.Now(),
	}
	players := []models.MatchPlayer{
		{ID: uuid.New(), MatchID: m.ID, UserID: a},
		{ID: uuid.New(), MatchID: m.ID, UserID: b},
	}
	require.NoError(t, repo.CreateMatch(context.Background(), m, players))
	return m.ID, players
}

func TestMatchRepositoryRoundTrip(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewMatchRepository(pool)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	matchID, players := seedMatch(t, repo, models.ModeClassic, a, b)

	m, loaded, err := repo.LoadMatch(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusInProgress, m.Status)
	assert.Nil(t, m.WinnerID)
	assert.Len(t, loaded, 2)

	_, _, err = repo.LoadMatch(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	winner, loser := players[1], players[0]
	winner.FinalScore, winner.IsWinner = 2, true
	loser.FinalScore = 1
	require.NoError(t, repo.CompleteMatch(ctx, matchID, winner, loser))

	m, loaded, err = repo.LoadMatch(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusCompleted, m.Status)
	require.NotNil(t, m.WinnerID)
	assert.Equal(t, b, *m.WinnerID)
	assert.NotNil(t, m.EndedAt)
	for _, p := range loaded {
		if p.UserID == b {
			assert.Equal(t, 2, p.FinalScore)
			assert.True(t, p.IsWinner)
		} else {
			assert.Equal(t, 1, p.FinalScore)
			assert.False(t, p.IsWinner)
		}
	}

	err = repo.CompleteMatch(ctx, matchID, winner, loser)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestUpsertUserStatsConcurrent(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewMatchRepository(pool)
	ctx := context.Background()
	user := uuid.New()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mode := models.ModeClassic
			if i%2 == 1 {
				mode = models.ModeTournament
			}
			assert.NoError(t, repo.UpsertUserStats(ctx, user, mode, i%4 == 0))
		}(i)
	}
	wg.Wait()

	s, err := repo.GetUserStats(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, n, s.TotalMatches)
	assert.Equal(t, 5, s.Wins)
	assert.Equal(t, 15, s.Losses)
	assert.Equal(t, 10, s.ClassicPlayed)
	assert.Equal(t, 5, s.ClassicWon)
	assert.Equal(t, 10, s.TournamentPlayed)
	assert.Equal(t, 0, s.TournamentWon)
	assert.Equal(t, 10, s.TournamentLost)

	_, err = repo.GetUserStats(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkMatchAbandoned(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewMatchRepository(pool)
	ctx := context.Background()

	matchID, _ := seedMatch(t, repo, models.ModeClassic, uuid.New(), uuid.New())

	changed, err := repo.MarkMatchAbandoned(ctx, matchID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.MarkMatchAbandoned(ctx, matchID)
	require.NoError(t, err)
	assert.False(t, changed, "already abandoned")

	m, _, err := repo.LoadMatch(ctx, matchID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusAbandoned, m.Status)
}

func TestInsertMatchActionsSkipsRedelivery(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewMatchRepository(pool)
	ctx := context.Background()

	matchID := uuid.New()
	actor := uuid.New()
	now := time.Now().UnixMilli()
	recs := []cache.MatchActionRecord{
		{MatchID: matchID, ActionIndex: 1, ActorUserID: actor, ActionType: "ball_hit", Timestamp: now},
		{MatchID: matchID, ActionIndex: 2, ActionType: "rally_ended", ActionPayload: map[string]interface{}{"loser": actor.String()}, Timestamp: now},
	}
	require.NoError(t, repo.InsertMatchActions(ctx, recs))
	require.NoError(t, repo.InsertMatchActions(ctx, recs))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM match_actions WHERE match_id = $1`, matchID).Scan(&count))
	assert.Equal(t, 2, count)

	var nullActor bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT actor_user_id IS NULL FROM match_actions WHERE match_id = $1 AND action_index = 2`, matchID,
	).Scan(&nullActor))
	assert.True(t, nullActor)
}
