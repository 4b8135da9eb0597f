package models

import "github.com/google/uuid"

// UserStats is the per-account aggregate maintained by match finalization.
type UserStats struct {
	UserID       uuid.UUID `json:"user_id"`
	TotalMatches int       `json:"total_matches"`
	Wins         int       `json:"wins"`
	Losses       int       `json:"losses"`

	ClassicPlayed int `json:"classic_played"`
	ClassicWon    int `json:"classic_won"`
	ClassicLost   int `json:"classic_lost"`

	TournamentPlayed int `json:"tournament_played"`
	TournamentWon    int `json:"tournament_won"`
	TournamentLost   int `json:"tournament_lost"`
}

// Apply adds one finished match to the counters.
func (s *UserStats) Apply(mode string, won bool) {
	s.TotalMatches++
	if won {
		s.Wins++
	} else {
		s.Losses++
	}
	switch mode {
	case ModeClassic:
		s.ClassicPlayed++
		if won {
			s.ClassicWon++
		} else {
			s.ClassicLost++
		}
	case ModeTournament:
		s.TournamentPlayed++
		if won {
			s.TournamentWon++
		} else {
			s.TournamentLost++
		}
	}
}
