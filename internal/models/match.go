// internal/models/match.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Match statuses stored in matches.status.
const (
	MatchStatusInProgress = "in_progress"
	MatchStatusCompleted  = "completed"
	MatchStatusAbandoned  = "abandoned"
)

// Match modes with dedicated counters in user_stats.
const (
	ModeClassic    = "classic"
	ModeTournament = "tournament"
)

// Match represents a row in the matches table.
type Match struct {
	ID        uuid.UUID  `json:"id"`
	Status    string     `json:"status"`
	Mode      string     `json:"mode"`
	WinnerID  *uuid.UUID `json:"winner_id,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// MatchPlayer is one participant's row in match_players.
type MatchPlayer struct {
	ID         uuid.UUID `json:"id"`
	MatchID    uuid.UUID `json:"match_id"`
	UserID     uuid.UUID `json:"user_id"`
	FinalScore int       `json:"final_score"`
	IsWinner   bool      `json:"is_winner"`
}
