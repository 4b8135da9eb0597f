package match

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/scoring"
	"github.com/sirupsen/logrus"
)

// viewerBuffer is how many undelivered messages a viewer may fall behind by
// before it is disconnected.
const viewerBuffer = 32

// Viewer is one connected client. The transport drains Out and stops when it is closed.
type Viewer struct {
	UserID uuid.UUID
	Out    chan []byte

	closeOnce sync.Once
}

func NewViewer(userID uuid.UUID) *Viewer {
	return &Viewer{
		UserID: userID,
		Out:    make(chan []byte, viewerBuffer),
	}
}

func (v *Viewer) close() {
	v.closeOnce.Do(func() { close(v.Out) })
}

// Session is a live match: its scoring engine plus the viewers receiving its
// notifications. It is the engine's broadcast sink.
type Session struct {
	ID   uuid.UUID
	Mode string

	engine *scoring.Engine
	log    *logrus.Entry

	// lastEvent is the unix nano time of the last accepted event.
	lastEvent atomic.Int64

	mu      sync.Mutex
	viewers map[*Viewer]struct{}
	closed  bool
}

func newSession(id uuid.UUID, mode string, log *logrus.Entry) *Session {
	return &Session{
		ID:      id,
		Mode:    mode,
		log:     log,
		viewers: make(map[*Viewer]struct{}),
	}
}

func (s *Session) Engine() *scoring.Engine { return s.engine }

func (s *Session) touch(t time.Time) { s.lastEvent.Store(t.UnixNano()) }

func (s *Session) lastActive() time.Time { return time.Unix(0, s.lastEvent.Load()) }

func (s *Session) Snapshot() scoring.Snapshot { return s.engine.Snapshot() }

// IsParticipant reports whether userID is one of the two players.
func (s *Session) IsParticipant(userID uuid.UUID) bool {
	players := s.engine.Players()
	return userID == players[0] || userID == players[1]
}

// Broadcast implements scoring.Sink. It runs under the engine lock, so it only
// queues the encoded event; a viewer whose queue is full is dropped.
func (s *Session) Broadcast(ev scoring.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.WithError(err).WithField("event", ev.Type).Error("failed to marshal broadcast event")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for v := range s.viewers {
		s.sendUnsafe(v, data)
	}
}

// AddViewer registers v and queues the current state for it.
func (s *Session) AddViewer(v *Viewer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.viewers[v] = struct{}{}
	s.mu.Unlock()

	// Taken after registering so the state sent is never older than the events already queued.
	snap := s.engine.Snapshot()
	data, err := json.Marshal(stateMessage{Type: "match_state", State: snap})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[v]; ok {
		s.sendUnsafe(v, data)
	}
	s.log.WithField("user_id", v.UserID).Debug("viewer joined")
	return nil
}

func (s *Session) RemoveViewer(v *Viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[v]; !ok {
		return
	}
	delete(s.viewers, v)
	v.close()
	s.log.WithField("user_id", v.UserID).Debug("viewer left")
}

func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Close aborts the match if it is still live, then disconnects every viewer
// and refuses new ones.
func (s *Session) Close() {
	if s.engine != nil {
		// Abort broadcasts through s, so it runs before s.mu is taken.
		err := s.engine.Abort("session closed")
		if err != nil && !errors.Is(err, scoring.ErrMatchEnded) && !errors.Is(err, scoring.ErrMatchAborted) {
			s.log.WithError(err).Warn("failed to abort match on close")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for v := range s.viewers {
		delete(s.viewers, v)
		v.close()
	}
}

// sendUnsafe queues data for v. Assumes s.mu is held.
func (s *Session) sendUnsafe(v *Viewer, data []byte) {
	select {
	case v.Out <- data:
	default:
		s.log.WithField("user_id", v.UserID).Warn("viewer queue full, disconnecting")
		delete(s.viewers, v)
		v.close()
	}
}

type stateMessage struct {
	Type  string           `json:"type"`
	State scoring.Snapshot `json:"state"`
}
