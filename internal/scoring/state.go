package scoring

import "github.com/google/uuid"

// ServeState tracks whether the ball is in play.
type ServeState string

const (
	AwaitingServe ServeState = "awaiting_serve"
	InRally       ServeState = "in_rally"
)

// Phase is the match lifecycle. Ended and Aborted are terminal.
type Phase string

const (
	PhaseInProgress Phase = "in_progress"
	PhaseEnded      Phase = "ended"
	PhaseAborted    Phase = "aborted"
)

// GuardState is the completion guard. A point resolution moves it
// Idle -> Resolving -> Resetting -> Idle; a failed serve resets immediately
// and goes Idle -> Resolving -> Idle.
type GuardState string

const (
	GuardIdle      GuardState = "idle"
	GuardResolving GuardState = "resolving"
	GuardResetting GuardState = "resetting"
)

// Snapshot is a copy of a match's scoring state.
type Snapshot struct {
	MatchID         uuid.UUID         `json:"match_id"`
	Players         [2]uuid.UUID      `json:"players"`
	Scores          map[uuid.UUID]int `json:"scores"`
	CurrentServer   uuid.UUID         `json:"current_server"`
	ServeState      ServeState        `json:"serve_state"`
	LastHitPlayer   *uuid.UUID        `json:"last_hit_player,omitempty"`
	Phase           Phase             `json:"phase"`
	Winner          *uuid.UUID        `json:"winner_id,omitempty"`
	ServeTurnPoints int               `json:"serve_turn_points"`
	Guard           GuardState        `json:"guard"`
	WinThreshold    int               `json:"win_threshold"`
	ServesPerTurn   int               `json:"serves_per_turn"`
}
