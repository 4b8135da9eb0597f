package finalize

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/database"
	"github.com/jason-s-yu/rally/internal/models"
)

// FakeRepository is an in-memory Repository with a call trace.
type FakeRepository struct {
	mu      sync.Mutex
	trace   []string
	matches map[uuid.UUID]*models.Match
	players map[uuid.UUID][]models.MatchPlayer
	stats   map[uuid.UUID]*models.UserStats

	LoadMatchErr     error
	CompleteMatchErr error
	UpsertStatsErr   error
}

func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		matches: make(map[uuid.UUID]*models.Match),
		players: make(map[uuid.UUID][]models.MatchPlayer),
		stats:   make(map[uuid.UUID]*models.UserStats),
	}
}

func (f *FakeRepository) record(step string) {
	f.trace = append(f.trace, step)
}

// Trace returns the sequence of method calls made to the fake.
func (f *FakeRepository) Trace() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.trace...)
}

// AddMatch seeds an in-progress match between two users.
func (f *FakeRepository) AddMatch(mode string, a, b uuid.UUID) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.matches[id] = &models.Match{ID: id, Status: models.MatchStatusInProgress, Mode: mode}
	f.players[id] = []models.MatchPlayer{
		{ID: uuid.New(), MatchID: id, UserID: a},
		{ID: uuid.New(), MatchID: id, UserID: b},
	}
	return id
}

func (f *FakeRepository) SetStats(s models.UserStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[s.UserID] = &s
}

func (f *FakeRepository) Stats(userID uuid.UUID) (models.UserStats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stats[userID]
	if !ok {
		return models.UserStats{}, false
	}
	return *s, true
}

func (f *FakeRepository) Match(id uuid.UUID) (models.Match, []models.MatchPlayer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.matches[id], append([]models.MatchPlayer(nil), f.players[id]...)
}

func (f *FakeRepository) LoadMatch(_ context.Context, matchID uuid.UUID) (*models.Match, []models.MatchPlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("LoadMatch")
	if f.LoadMatchErr != nil {
		return nil, nil, f.LoadMatchErr
	}
	m, ok := f.matches[matchID]
	if !ok {
		return nil, nil, database.ErrNotFound
	}
	cp := *m
	return &cp, append([]models.MatchPlayer(nil), f.players[matchID]...), nil
}

func (f *FakeRepository) CompleteMatch(_ context.Context, matchID uuid.UUID, winner, loser models.MatchPlayer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CompleteMatch")
	if f.CompleteMatchErr != nil {
		return f.CompleteMatchErr
	}
	m := f.matches[matchID]
	if m.Status != models.MatchStatusInProgress {
		return database.ErrAlreadyCompleted
	}
	for i, p := range f.players[matchID] {
		switch p.ID {
		case winner.ID:
			f.players[matchID][i] = winner
		case loser.ID:
			f.players[matchID][i] = loser
		}
	}
	m.Status = models.MatchStatusCompleted
	w := winner.UserID
	m.WinnerID = &w
	return nil
}

func (f *FakeRepository) UpsertUserStats(_ context.Context, userID uuid.UUID, mode string, won bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UpsertUserStats")
	if f.UpsertStatsErr != nil {
		return f.UpsertStatsErr
	}
	s, ok := f.stats[userID]
	if !ok {
		s = &models.UserStats{UserID: userID}
		f.stats[userID] = s
	}
	s.Apply(mode, won)
	return nil
}
