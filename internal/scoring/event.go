// internal/scoring/event.go
package scoring

import "github.com/google/uuid"

// EventType identifies an outbound notification for the broadcast sink.
type EventType string

const (
	EventPointScored  EventType = "point_scored"  // score and server after a decided point
	EventServeReset   EventType = "serve_reset"   // ball respawned, waiting for the server
	EventMatchEnded   EventType = "match_ended"   // win threshold reached
	EventMatchAborted EventType = "match_aborted" // session torn down before completion
)

// Vec3 is a ball position or velocity.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Spawn values broadcast with every serve reset.
var (
	ServeSpawnPosition = Vec3{X: 0, Y: 4, Z: 0}
	ServeSpawnVelocity = Vec3{}
)

// Event is the payload handed to a Sink. Fields that do not apply to the
// event type are left empty.
type Event struct {
	Type         EventType         `json:"type"`
	MatchID      uuid.UUID         `json:"match_id"`
	Server       *uuid.UUID        `json:"server,omitempty"`
	Winner       *uuid.UUID        `json:"winner_id,omitempty"`
	Scores       map[uuid.UUID]int `json:"scores,omitempty"`
	BallPosition *Vec3             `json:"ball_position,omitempty"`
	BallVelocity *Vec3             `json:"ball_velocity,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// Sink receives state-change notifications. Broadcast is called while the
// match lock is held: implementations must not block and must not call back
// into the Engine.
type Sink interface {
	Broadcast(ev Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Broadcast(ev Event) { f(ev) }
