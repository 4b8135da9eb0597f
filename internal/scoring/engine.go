// internal/scoring/engine.go
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/cache"
	"github.com/jason-s-yu/rally/internal/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultFinalizeTimeout bounds one finalization run when Deps leaves it unset.
const DefaultFinalizeTimeout = 10 * time.Second

// Action types written to the match journal.
const (
	ActionBallHit      = "ball_hit"
	ActionRallyEnded   = "rally_ended"
	ActionServeFailed  = "serve_failed"
	ActionPointAwarded = "point_awarded"
	ActionServeRotated = "serve_rotated"
	ActionServeReset   = "serve_reset"
	ActionMatchEnded   = "match_ended"
	ActionMatchAborted = "match_aborted"
)

// Finalizer durably records a finished match. It is called once, from its own goroutine.
type Finalizer interface {
	FinalizeMatch(ctx context.Context, matchID, winnerID uuid.UUID, finalScores map[uuid.UUID]int) error
}

// Journal receives every accepted scoring action. Publish must not block.
type Journal interface {
	Publish(rec cache.MatchActionRecord)
}

// Deps are the engine's collaborators. All of them are optional.
type Deps struct {
	Sink            Sink
	Finalizer       Finalizer
	Journal         Journal
	Logger          *logrus.Entry
	Metrics         *metrics.Metrics
	FinalizeTimeout time.Duration
}

// Engine is the authoritative score and serve state of one match. Every
// method takes the match lock, so events for one match are applied one at a
// time while different matches never contend.
type Engine struct {
	ID      uuid.UUID
	players [2]uuid.UUID
	cfg     Config

	mu            sync.Mutex
	scores        map[uuid.UUID]int
	currentServer uuid.UUID
	serveState    ServeState
	lastHit       uuid.UUID // uuid.Nil until someone touches the ball this rally
	phase         Phase
	winner        uuid.UUID
	turnPoints    int // points decided since the server last rotated
	guard         GuardState

	resetTimer *time.Timer
	resetGen   uint64 // identifies the pending reset; stale timers compare unequal

	actionIndex int
	done        chan struct{}
	doneOnce    sync.Once

	sink            Sink
	finalizer       Finalizer
	journal         Journal
	log             *logrus.Entry
	metrics         *metrics.Metrics
	finalizeTimeout time.Duration
}

// NewEngine builds the scoring state for a match between players with
// firstServer serving first.
func NewEngine(matchID uuid.UUID, players [2]uuid.UUID, firstServer uuid.UUID, cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if players[0] == uuid.Nil || players[1] == uuid.Nil || players[0] == players[1] {
		return nil, fmt.Errorf("%w: match needs two distinct players", ErrInvalidConfig)
	}
	if firstServer != players[0] && firstServer != players[1] {
		return nil, fmt.Errorf("%w: first server %s is not a participant", ErrInvalidConfig, firstServer)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	timeout := deps.FinalizeTimeout
	if timeout <= 0 {
		timeout = DefaultFinalizeTimeout
	}

	e := &Engine{
		ID:      matchID,
		players: players,
		cfg:     cfg.withDefaults(),
		scores: map[uuid.UUID]int{
			players[0]: 0,
			players[1]: 0,
		},
		currentServer:   firstServer,
		serveState:      AwaitingServe,
		phase:           PhaseInProgress,
		guard:           GuardIdle,
		done:            make(chan struct{}),
		sink:            deps.Sink,
		finalizer:       deps.Finalizer,
		journal:         deps.Journal,
		log:             logger.WithField("match_id", matchID),
		metrics:         deps.Metrics,
		finalizeTimeout: timeout,
	}
	return e, nil
}

// Players returns the two participants in seat order.
func (e *Engine) Players() [2]uuid.UUID { return e.players }

// Done is closed once the engine has nothing left to do in the background:
// after finalization returned, or right away when the match is aborted.
func (e *Engine) Done() <-chan struct{} { return e.done }

// OnBallHit records playerID as the last player to legally strike the ball.
// The first contact after a reset is the serve and puts the ball in play.
func (e *Engine) OnBallHit(playerID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLive(); err != nil {
		return e.reject(ActionBallHit, playerID, err)
	}
	if !e.isParticipant(playerID) {
		return e.reject(ActionBallHit, playerID, ErrInvalidParticipant)
	}
	if e.guard != GuardIdle {
		return e.reject(ActionBallHit, playerID, ErrResetPending)
	}

	e.lastHit = playerID
	e.serveState = InRally
	e.logAction(playerID, ActionBallHit, nil)
	return nil
}

// OnRallyEnded decides the point after the ball left play. The last player
// to touch the ball loses it; with no contact at all the server is faulted.
// The completion guard stays held until the delayed serve reset fires, so a
// second delivery of the same rally end is dropped as a duplicate.
func (e *Engine) OnRallyEnded() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLive(); err != nil {
		return e.reject(ActionRallyEnded, uuid.Nil, err)
	}
	if e.guard != GuardIdle {
		return e.reject(ActionRallyEnded, uuid.Nil, ErrDuplicateEvent)
	}
	e.guard = GuardResolving

	loser := e.lastHit
	if loser == uuid.Nil {
		loser = e.currentServer
	}
	winner, ok := e.opponent(loser)
	if !ok {
		e.guard = GuardIdle
		e.log.WithFields(logrus.Fields{
			"last_hit": e.lastHit,
			"server":   e.currentServer,
		}).Error("cannot resolve point winner, point discarded")
		return e.reject(ActionRallyEnded, uuid.Nil, ErrNoResolvablePointWinner)
	}

	e.logAction(uuid.Nil, ActionRallyEnded, map[string]interface{}{
		"last_hit": e.lastHit,
		"winner":   winner,
	})
	e.resolvePoint(winner, false)
	return nil
}

// OnServeFailed awards the point to the receiver of a serve that never
// entered play. The reset is applied at once instead of after the delay.
func (e *Engine) OnServeFailed(servingPlayerID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLive(); err != nil {
		return e.reject(ActionServeFailed, servingPlayerID, err)
	}
	if !e.isParticipant(servingPlayerID) {
		return e.reject(ActionServeFailed, servingPlayerID, ErrInvalidParticipant)
	}
	if e.guard != GuardIdle {
		return e.reject(ActionServeFailed, servingPlayerID, ErrResetPending)
	}
	if servingPlayerID != e.currentServer {
		return e.reject(ActionServeFailed, servingPlayerID, ErrNotServing)
	}
	e.guard = GuardResolving

	winner, _ := e.opponent(servingPlayerID)
	e.logAction(servingPlayerID, ActionServeFailed, map[string]interface{}{"winner": winner})
	e.resolvePoint(winner, true)
	return nil
}

// Abort tears the match down without finalizing it. Pending resets are
// cancelled and every later event is refused with ErrMatchAborted.
func (e *Engine) Abort(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLive(); err != nil {
		return err
	}
	e.phase = PhaseAborted
	e.guard = GuardIdle
	e.stopResetTimer()
	e.metrics.MatchAborted()
	e.logAction(uuid.Nil, ActionMatchAborted, map[string]interface{}{"reason": reason})
	e.emit(Event{Type: EventMatchAborted, Reason: reason, Scores: e.copyScores()})
	e.log.WithField("reason", reason).Info("match aborted")
	e.closeDone()
	return nil
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		MatchID:         e.ID,
		Players:         e.players,
		Scores:          e.copyScores(),
		CurrentServer:   e.currentServer,
		ServeState:      e.serveState,
		Phase:           e.phase,
		ServeTurnPoints: e.turnPoints,
		Guard:           e.guard,
		WinThreshold:    e.cfg.WinThreshold,
		ServesPerTurn:   e.cfg.ServesPerTurn,
	}
	if e.lastHit != uuid.Nil {
		hit := e.lastHit
		s.LastHitPlayer = &hit
	}
	if e.winner != uuid.Nil {
		w := e.winner
		s.Winner = &w
	}
	return s
}

// resolvePoint applies a decided point: score, rotation, then the serve
// reset, immediate or delayed. Assumes lock is held and guard is Resolving.
func (e *Engine) resolvePoint(winner uuid.UUID, immediate bool) {
	if e.awardPoint(winner) {
		return
	}
	e.advanceServeTurn()

	server := e.currentServer
	e.emit(Event{Type: EventPointScored, Server: &server, Scores: e.copyScores()})

	if immediate {
		e.resetServe()
		e.guard = GuardIdle
		return
	}
	e.scheduleServeReset()
}

// awardPoint increments the winner's score and ends the match when the win
// threshold is reached. It reports whether the match is over.
// Assumes lock is held.
func (e *Engine) awardPoint(playerID uuid.UUID) bool {
	if e.phase != PhaseInProgress {
		return true
	}
	e.scores[playerID]++
	e.metrics.PointAwarded()
	e.logAction(playerID, ActionPointAwarded, map[string]interface{}{"score": e.scores[playerID]})

	if e.scores[playerID] >= e.cfg.WinThreshold {
		e.endMatch(playerID)
		return true
	}
	return false
}

// advanceServeTurn counts the decided point against the server's turn and
// rotates service once the turn is used up. Assumes lock is held.
func (e *Engine) advanceServeTurn() {
	e.turnPoints++
	if e.turnPoints < e.cfg.ServesPerTurn {
		return
	}
	next, _ := e.opponent(e.currentServer)
	e.currentServer = next
	e.turnPoints = 0
	e.logAction(next, ActionServeRotated, nil)
}

// scheduleServeReset arms the delayed reset. Assumes lock is held.
func (e *Engine) scheduleServeReset() {
	e.guard = GuardResetting
	e.stopResetTimer()
	e.resetGen++
	gen := e.resetGen
	e.resetTimer = time.AfterFunc(e.cfg.ServeResetDelay, func() {
		e.fireServeReset(gen)
	})
}

// fireServeReset runs on the timer goroutine. A timer that lost a race with
// abort, match end or a newer reset finds a different generation or phase
// and leaves the state alone.
func (e *Engine) fireServeReset(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseInProgress || gen != e.resetGen || e.guard != GuardResetting {
		e.log.WithFields(logrus.Fields{
			"phase":       e.phase,
			"guard":       e.guard,
			"timer_gen":   gen,
			"current_gen": e.resetGen,
		}).Warn("stale serve reset timer ignored")
		return
	}
	e.resetTimer = nil
	e.resetServe()
	e.guard = GuardIdle
}

// resetServe prepares the next serve and tells the clients. Assumes lock is held.
func (e *Engine) resetServe() {
	e.serveState = AwaitingServe
	e.lastHit = uuid.Nil

	server := e.currentServer
	pos, vel := ServeSpawnPosition, ServeSpawnVelocity
	e.emit(Event{
		Type:         EventServeReset,
		Server:       &server,
		BallPosition: &pos,
		BallVelocity: &vel,
	})
	e.logAction(server, ActionServeReset, nil)
}

// endMatch moves the match to its terminal state and hands the result to
// the finalizer. Assumes lock is held.
func (e *Engine) endMatch(winner uuid.UUID) {
	e.phase = PhaseEnded
	e.winner = winner
	e.guard = GuardIdle
	e.stopResetTimer()
	e.metrics.MatchEnded()

	finalScores := e.copyScores()
	e.logAction(winner, ActionMatchEnded, map[string]interface{}{"scores": e.copyScores()})
	e.emit(Event{Type: EventMatchEnded, Winner: &winner, Scores: e.copyScores()})
	e.log.WithFields(logrus.Fields{
		"winner": winner,
		"scores": finalScores,
	}).Info("match ended")

	e.dispatchFinalization(winner, finalScores)
}

// dispatchFinalization persists the result in the background. A failure is
// logged only: the broadcast outcome stands regardless.
func (e *Engine) dispatchFinalization(winner uuid.UUID, finalScores map[uuid.UUID]int) {
	if e.finalizer == nil {
		e.log.Warn("no finalizer configured, match result not persisted")
		e.closeDone()
		return
	}
	go func() {
		defer e.closeDone()
		ctx, cancel := context.WithTimeout(context.Background(), e.finalizeTimeout)
		defer cancel()

		if err := e.finalizer.FinalizeMatch(ctx, e.ID, winner, finalScores); err != nil {
			e.log.WithError(err).WithField("winner", winner).Error("match finalization failed")
			return
		}
		e.log.WithField("winner", winner).Info("match finalized")
	}()
}

// checkLive refuses events once the match reached a terminal phase.
func (e *Engine) checkLive() error {
	switch e.phase {
	case PhaseEnded:
		return ErrMatchEnded
	case PhaseAborted:
		return ErrMatchAborted
	}
	return nil
}

// reject logs and counts a refused event, then returns err.
func (e *Engine) reject(action string, playerID uuid.UUID, err error) error {
	entry := e.log.WithFields(logrus.Fields{
		"event": action,
		"guard": e.guard,
	})
	if playerID != uuid.Nil {
		entry = entry.WithField("player_id", playerID)
	}
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		entry.Debug("duplicate event ignored")
	case errors.Is(err, ErrNoResolvablePointWinner):
		entry.WithError(err).Error("event rejected")
	default:
		entry.WithError(err).Warn("event rejected")
	}
	e.metrics.EventRejected(rejectReason(err))
	return err
}

func (e *Engine) isParticipant(playerID uuid.UUID) bool {
	return playerID == e.players[0] || playerID == e.players[1]
}

// opponent returns the other participant, or false for a stranger.
func (e *Engine) opponent(playerID uuid.UUID) (uuid.UUID, bool) {
	switch playerID {
	case e.players[0]:
		return e.players[1], true
	case e.players[1]:
		return e.players[0], true
	}
	return uuid.Nil, false
}

func (e *Engine) copyScores() map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(e.scores))
	for id, s := range e.scores {
		out[id] = s
	}
	return out
}

func (e *Engine) stopResetTimer() {
	if e.resetTimer != nil {
		e.resetTimer.Stop()
		e.resetTimer = nil
	}
}

func (e *Engine) emit(ev Event) {
	if e.sink == nil {
		return
	}
	ev.MatchID = e.ID
	e.sink.Broadcast(ev)
}

func (e *Engine) closeDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

// logAction sends the action to the match journal. Assumes lock is held.
func (e *Engine) logAction(actorID uuid.UUID, actionType string, payload map[string]interface{}) {
	e.actionIndex++
	if e.journal == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]interface{})
	}
	e.journal.Publish(cache.MatchActionRecord{
		MatchID:       e.ID,
		ActionIndex:   e.actionIndex,
		ActorUserID:   actorID,
		ActionType:    actionType,
		ActionPayload: payload,
		Timestamp:     time.Now().UnixMilli(),
	})
}
