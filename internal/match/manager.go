// internal/match/manager.go
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/metrics"
	"github.com/jason-s-yu/rally/internal/models"
	"github.com/jason-s-yu/rally/internal/scoring"
	"github.com/sirupsen/logrus"
)

var (
	ErrMatchNotFound = errors.New("match not found")
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrSessionClosed = errors.New("match session closed")
)

// Inbound gameplay event types.
const (
	EventBallHit     = "ball_hit"
	EventRallyEnded  = "rally_ended"
	EventServeFailed = "serve_failed"
)

// DefaultRetention is how long a finished session stays reachable so late
// events are answered with the terminal error instead of "not found".
const DefaultRetention = 30 * time.Second

// AbortReasonInactive is the abort reason of matches stopped by the idle sweep.
const AbortReasonInactive = "inactive"

// MatchCreator persists a match when its session starts.
type MatchCreator interface {
	CreateMatch(ctx context.Context, m *models.Match, players []models.MatchPlayer) error
}

// Options wires a Manager. Zero durations take the package defaults, except
// InactivityTimeout: zero turns the idle sweep off.
type Options struct {
	Creator   MatchCreator
	Finalizer scoring.Finalizer
	Journal   scoring.Journal
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics

	ServesPerTurn   int
	ServeResetDelay time.Duration
	FinalizeTimeout time.Duration
	Retention       time.Duration

	InactivityTimeout time.Duration
}

// StartRequest describes a match about to begin.
type StartRequest struct {
	PlayerIDs       [2]uuid.UUID
	FirstServer     uuid.UUID
	Mode            string
	WinThreshold    int
	ServesPerTurn   int
	ServeResetDelay time.Duration
}

// Event is one inbound gameplay event.
type Event struct {
	Type     string
	PlayerID uuid.UUID
}

// Manager owns every live session: it starts them, routes events to their
// engines and retires them once they are over.
type Manager struct {
	store *Store
	opts  Options
	log   *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	m := &Manager{
		store: NewStore(),
		opts:  opts,
		log:   opts.Logger,
		stop:  make(chan struct{}),
	}
	if opts.InactivityTimeout > 0 {
		go m.idleLoop(sweepInterval(opts.InactivityTimeout))
	}
	return m
}

// sweepInterval checks often enough that a match is stopped within a tenth of
// the timeout of going quiet, but at most once a second.
func sweepInterval(timeout time.Duration) time.Duration {
	if d := timeout / 10; d > time.Second {
		return d
	}
	return time.Second
}

func (m *Manager) Store() *Store { return m.store }

// StartMatch validates req, persists the match and registers a live session.
func (m *Manager) StartMatch(ctx context.Context, req StartRequest) (*Session, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.ModeClassic
	}
	cfg := scoring.Config{
		WinThreshold:    req.WinThreshold,
		ServesPerTurn:   req.ServesPerTurn,
		ServeResetDelay: req.ServeResetDelay,
	}
	if cfg.ServesPerTurn == 0 {
		cfg.ServesPerTurn = m.opts.ServesPerTurn
	}
	if cfg.ServeResetDelay == 0 {
		cfg.ServeResetDelay = m.opts.ServeResetDelay
	}

	id := uuid.New()
	entry := m.log.WithField("match_id", id)
	sess := newSession(id, mode, entry)
	sess.touch(time.Now())
	engine, err := scoring.NewEngine(id, req.PlayerIDs, req.FirstServer, cfg, scoring.Deps{
		Sink:            sess,
		Finalizer:       m.opts.Finalizer,
		Journal:         m.opts.Journal,
		Logger:          entry,
		Metrics:         m.opts.Metrics,
		FinalizeTimeout: m.opts.FinalizeTimeout,
	})
	if err != nil {
		return nil, err
	}
	sess.engine = engine

	if m.opts.Creator != nil {
		now := time.Now()
		rec := &models.Match{
			ID:        id,
			Status:    models.MatchStatusInProgress,
			Mode:      mode,
			StartedAt: now,
		}
		players := []models.MatchPlayer{
			{ID: uuid.New(), MatchID: id, UserID: req.PlayerIDs[0]},
			{ID: uuid.New(), MatchID: id, UserID: req.PlayerIDs[1]},
		}
		if err := m.opts.Creator.CreateMatch(ctx, rec, players); err != nil {
			return nil, fmt.Errorf("persist match: %w", err)
		}
	}

	m.store.Add(sess)
	m.opts.Metrics.MatchStarted()
	go m.retire(sess)

	entry.WithFields(logrus.Fields{
		"players":       req.PlayerIDs,
		"first_server":  req.FirstServer,
		"mode":          mode,
		"win_threshold": req.WinThreshold,
	}).Info("match started")
	return sess, nil
}

// Get returns the session for matchID.
func (m *Manager) Get(matchID uuid.UUID) (*Session, error) {
	sess, ok := m.store.Get(matchID)
	if !ok {
		return nil, ErrMatchNotFound
	}
	return sess, nil
}

// Dispatch applies one gameplay event to the match's engine.
func (m *Manager) Dispatch(matchID uuid.UUID, ev Event) error {
	sess, err := m.Get(matchID)
	if err != nil {
		return err
	}
	switch ev.Type {
	case EventBallHit:
		err = sess.engine.OnBallHit(ev.PlayerID)
	case EventRallyEnded:
		err = sess.engine.OnRallyEnded()
	case EventServeFailed:
		err = sess.engine.OnServeFailed(ev.PlayerID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	if err == nil {
		sess.touch(time.Now())
	}
	return err
}

// Abort tears down a live match without recording a result.
func (m *Manager) Abort(matchID uuid.UUID, reason string) error {
	sess, err := m.Get(matchID)
	if err != nil {
		return err
	}
	return sess.engine.Abort(reason)
}

// Shutdown aborts every live match and waits for pending finalizations,
// or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	sessions := m.store.List()
	for _, sess := range sessions {
		err := sess.engine.Abort("server shutdown")
		if err != nil && !errors.Is(err, scoring.ErrMatchEnded) && !errors.Is(err, scoring.ErrMatchAborted) {
			m.log.WithError(err).WithField("match_id", sess.ID).Warn("abort on shutdown failed")
		}
	}
	for _, sess := range sessions {
		select {
		case <-sess.engine.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		sess.Close()
	}
	m.log.WithField("sessions", len(sessions)).Info("match manager stopped")
	return nil
}

// retire waits for the engine to finish, keeps the session around for the
// retention window, then drops it and its viewers.
func (m *Manager) retire(sess *Session) {
	<-sess.engine.Done()
	remove := func() {
		if m.store.Delete(sess) {
			m.opts.Metrics.SessionClosed()
		}
		sess.Close()
		sess.log.Debug("session retired")
	}
	time.AfterFunc(m.opts.Retention, remove)
}

func (m *Manager) idleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sweepIdle(now)
		}
	}
}

// sweepIdle aborts every live match whose last accepted event is older than
// the inactivity timeout and returns how many it stopped.
func (m *Manager) sweepIdle(now time.Time) int {
	n := 0
	for _, sess := range m.store.List() {
		idle := now.Sub(sess.lastActive())
		if idle <= m.opts.InactivityTimeout {
			continue
		}
		err := sess.engine.Abort(AbortReasonInactive)
		switch {
		case err == nil:
			n++
			sess.log.WithField("idle", idle.Round(time.Second)).Info("aborted inactive match")
		case errors.Is(err, scoring.ErrMatchEnded), errors.Is(err, scoring.ErrMatchAborted):
		default:
			sess.log.WithError(err).Warn("failed to abort inactive match")
		}
	}
	return n
}
