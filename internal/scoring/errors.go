package scoring

import "errors"

// Errors returned by the Engine's event handlers. None of them mutate match state.
var (
	// ErrInvalidParticipant: the event names a player that is not in this match.
	ErrInvalidParticipant = errors.New("player is not a participant of this match")

	// ErrNoResolvablePointWinner signals an internal consistency failure while deciding a point.
	ErrNoResolvablePointWinner = errors.New("no resolvable point winner")

	// ErrDuplicateEvent: a rally end arrived while a point resolution was still in flight.
	ErrDuplicateEvent = errors.New("duplicate rally end ignored")

	// ErrResetPending: the event arrived between a decided point and the next serve reset.
	ErrResetPending = errors.New("serve reset pending, event not valid in this phase")

	// ErrNotServing: a failed serve was reported for the receiving player.
	ErrNotServing = errors.New("player is not the current server")

	ErrMatchEnded   = errors.New("match has already ended")
	ErrMatchAborted = errors.New("match has been aborted")

	// ErrInvalidConfig wraps every configuration problem found by NewEngine.
	ErrInvalidConfig = errors.New("invalid match configuration")
)

// rejectReason maps an error to the metrics label used for rejected events.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParticipant):
		return "invalid_participant"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	case errors.Is(err, ErrResetPending):
		return "reset_pending"
	case errors.Is(err, ErrNotServing):
		return "not_serving"
	case errors.Is(err, ErrMatchEnded):
		return "match_ended"
	case errors.Is(err, ErrMatchAborted):
		return "match_aborted"
	case errors.Is(err, ErrNoResolvablePointWinner):
		return "no_point_winner"
	default:
		return "other"
	}
}
