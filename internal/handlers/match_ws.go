// internal/handlers/match_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/auth"
	"github.com/jason-s-yu/rally/internal/match"
	"github.com/jason-s-yu/rally/internal/middleware"
	"github.com/jason-s-yu/rally/internal/scoring"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	matchSubprotocol = "match"
	authCookieName   = "auth_token"
	wsWriteTimeout   = 3 * time.Second
	wsPingInterval   = 30 * time.Second
)

// clientMessage is the only thing viewers send: keepalive pings.
type clientMessage struct {
	Type string `json:"type"`
}

// MatchWSHandler upgrades GET /match/ws/{matchID} for a participant and
// streams the match's notifications to it until the session is retired or
// the client goes away.
func MatchWSHandler(logger *logrus.Logger, manager *match.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matchID, err := uuid.Parse(chi.URLParam(r, "matchID"))
		if err != nil {
			http.Error(w, "Invalid match_id format", http.StatusBadRequest)
			return
		}
		sess, err := manager.Get(matchID)
		if err != nil {
			http.Error(w, "Match not found", http.StatusNotFound)
			return
		}
		if sess.Snapshot().Phase != scoring.PhaseInProgress {
			http.Error(w, "Match has already ended", http.StatusGone)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{matchSubprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.WithError(err).WithField("match_id", matchID).Warn("websocket accept failed")
			return
		}
		defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

		if c.Subprotocol() != matchSubprotocol {
			c.Close(BadSubprotocolError, "Client must use the 'match' subprotocol.")
			return
		}

		userID, err := auth.AuthenticateUser(extractCookieToken(r.Header.Get("Cookie"), authCookieName))
		if errors.Is(err, auth.ErrInvalidSubject) {
			c.Close(InvalidUserIDError, "Invalid user id.")
			return
		}
		if err != nil {
			logger.WithError(err).WithField("match_id", matchID).Warn("websocket authentication failed")
			c.Close(InvalidAuthTokenError, "Authentication failed.")
			return
		}
		if !sess.IsParticipant(userID) {
			logger.WithFields(logrus.Fields{"match_id": matchID, "user_id": userID}).Warn("non-participant refused")
			c.Close(NotParticipantError, "You are not a player in this match.")
			return
		}

		v := match.NewViewer(userID)
		if err := sess.AddViewer(v); err != nil {
			c.Close(websocket.StatusGoingAway, "Match is over.")
			return
		}
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go writePump(ctx, c, v, logger)
		err = readPump(ctx, c, rate.NewLimiter(rate.Every(100*time.Millisecond), 10), logger)

		sess.RemoveViewer(v)
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, err)
	}
}

// writePump forwards queued notifications to the socket. When the session
// closes the queue, the socket is closed normally, which also ends readPump.
func writePump(ctx context.Context, c *websocket.Conn, v *match.Viewer, logger *logrus.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-v.Out:
			if !ok {
				c.Close(websocket.StatusNormalClosure, "match session closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.WithError(err).WithField("user_id", v.UserID).Warn("failed to write match event")
				c.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// readPump answers application pings until the connection ends. Reads are
// throttled by l. A normal close returns nil.
func readPump(ctx context.Context, c *websocket.Conn, l *rate.Limiter, logger *logrus.Logger) error {
	for {
		if err := l.Wait(ctx); err != nil {
			return nil
		}
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sendWsError(ctx, c, "Invalid JSON format.")
			continue
		}
		switch msg.Type {
		case "ping":
			logger.Trace("match viewer ping")
			sendWsMessage(ctx, c, map[string]string{"type": "pong"})
		default:
			sendWsError(ctx, c, "Unknown message type: "+msg.Type)
		}
	}
}

// sendWsMessage marshals a message and writes it with a timeout. Write errors
// are left to the read loop, which sees the connection close.
func sendWsMessage(ctx context.Context, c *websocket.Conn, message interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	_ = c.Write(writeCtx, websocket.MessageText, msgBytes)
}

func sendWsError(ctx context.Context, c *websocket.Conn, errorMsg string) {
	sendWsMessage(ctx, c, map[string]interface{}{
		"type":    "error",
		"message": errorMsg,
	})
}
