// internal/handlers/match_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/rally/internal/auth"
	"github.com/jason-s-yu/rally/internal/match"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	mgr    *match.Manager
	router http.Handler
	a, b   uuid.UUID
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	mgr := match.NewManager(match.Options{
		Logger:          logger,
		ServesPerTurn:   2,
		ServeResetDelay: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &apiHarness{
		mgr:    mgr,
		router: NewRouter(RouterConfig{Logger: logger, Manager: mgr, Metrics: promhttp.Handler()}),
		a:      uuid.New(),
		b:      uuid.New(),
	}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) create(t *testing.T, winThreshold int) uuid.UUID {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"player_ids":    []uuid.UUID{h.a, h.b},
		"first_server":  h.a,
		"mode":          "classic",
		"win_threshold": winThreshold,
	})
	w := h.do(t, http.MethodPost, "/matches", string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		MatchID uuid.UUID `json:"match_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEqual(t, uuid.Nil, resp.MatchID)
	return resp.MatchID
}

func (h *apiHarness) event(t *testing.T, matchID uuid.UUID, typ string, player uuid.UUID) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"type":"` + typ + `"`
	if player != uuid.Nil {
		body += `,"player_id":"` + player.String() + `"`
	}
	body += "}"
	return h.do(t, http.MethodPost, "/matches/"+matchID.String()+"/events", body)
}

func TestCreateMatchValidation(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/matches", `{"player_ids":["`+h.a.String()+`"],"first_server":"`+h.a.String()+`","win_threshold":3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/matches", `{"player_ids":["`+h.a.String()+`","`+h.b.String()+`"],"first_server":"`+h.a.String()+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "win threshold is required")
	assert.Contains(t, w.Body.String(), "win threshold")

	w = h.do(t, http.MethodPost, "/matches", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMatchEventFlow(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(t, 11)

	w := h.event(t, id, "serve_failed", h.a)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap struct {
		Scores        map[string]int `json:"scores"`
		CurrentServer uuid.UUID      `json:"current_server"`
		ServeState    string         `json:"serve_state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Scores[h.b.String()])
	assert.Equal(t, h.a, snap.CurrentServer)
	assert.Equal(t, "awaiting_serve", snap.ServeState)

	assert.Equal(t, http.StatusConflict, h.event(t, id, "serve_failed", h.b).Code, "b is not serving")
	assert.Equal(t, http.StatusUnprocessableEntity, h.event(t, id, "ball_hit", uuid.New()).Code)
	assert.Equal(t, http.StatusBadRequest, h.event(t, id, "warp", uuid.Nil).Code)

	require.Equal(t, http.StatusOK, h.event(t, id, "ball_hit", h.a).Code)
	require.Equal(t, http.StatusOK, h.event(t, id, "rally_ended", uuid.Nil).Code)
	assert.Equal(t, http.StatusAccepted, h.event(t, id, "rally_ended", uuid.Nil).Code, "duplicate rally end")
	assert.Equal(t, http.StatusConflict, h.event(t, id, "ball_hit", h.b).Code, "reset pending")

	w = h.do(t, http.MethodGet, "/matches/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 2, snap.Scores[h.b.String()])
}

func TestMatchNotFoundAndBadID(t *testing.T) {
	h := newAPIHarness(t)

	assert.Equal(t, http.StatusNotFound, h.event(t, uuid.New(), "rally_ended", uuid.Nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/matches/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/matches/not-a-uuid", "").Code)
}

func TestAbortMatch(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(t, 11)

	w := h.do(t, http.MethodPost, "/matches/"+id.String()+"/abort", `{"reason":"player disconnected"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, http.StatusGone, h.event(t, id, "ball_hit", h.a).Code)
	assert.Equal(t, http.StatusGone, h.do(t, http.MethodPost, "/matches/"+id.String()+"/abort", "").Code)
}

func TestEndedMatchIsGone(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(t, 1)

	require.Equal(t, http.StatusOK, h.event(t, id, "serve_failed", h.a).Code)
	assert.Equal(t, http.StatusGone, h.event(t, id, "ball_hit", h.a).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodOptions, "/matches", nil)
	req.Header.Set("Origin", "https://court.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://court.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
	assert.Equal(t, http.StatusNotFound, statusFor(match.ErrMatchNotFound))
}

func TestExtractCookieToken(t *testing.T) {
	assert.Equal(t, "abc", extractCookieToken("auth_token=abc", "auth_token"))
	assert.Equal(t, "abc", extractCookieToken("theme=dark; auth_token=abc; lang=en", "auth_token"))
	assert.Equal(t, "", extractCookieToken("old_auth_token=zzz", "auth_token"))
	assert.Equal(t, "", extractCookieToken("", "auth_token"))
}

func dialMatch(t *testing.T, srv *httptest.Server, matchID uuid.UUID, user uuid.UUID) (*websocket.Conn, error) {
	t.Helper()
	header := http.Header{}
	if user != uuid.Nil {
		token, err := auth.CreateJWT(user.String())
		require.NoError(t, err)
		header.Set("Cookie", "auth_token="+token)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/match/ws/" + matchID.String()
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"match"},
		HTTPHeader:   header,
	})
	return c, err
}

func readMsg(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestMatchWebSocketStreamsEvents(t *testing.T) {
	require.NoError(t, auth.Init(0))
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()
	id := h.create(t, 11)

	c, err := dialMatch(t, srv, id, h.a)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	msg := readMsg(t, c)
	assert.Equal(t, "match_state", msg["type"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readMsg(t, c)["type"])

	require.Equal(t, http.StatusOK, h.event(t, id, "serve_failed", h.a).Code)
	msg = readMsg(t, c)
	assert.Equal(t, "point_scored", msg["type"])
	msg = readMsg(t, c)
	assert.Equal(t, "serve_reset", msg["type"])
	assert.Equal(t, map[string]interface{}{"x": 0.0, "y": 4.0, "z": 0.0}, msg["ball_position"])
}

func TestMatchWebSocketRefusesStrangers(t *testing.T) {
	require.NoError(t, auth.Init(0))
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()
	id := h.create(t, 11)

	c, err := dialMatch(t, srv, id, uuid.New())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = c.Read(ctx)
	assert.Equal(t, NotParticipantError, websocket.CloseStatus(err))

	c, err = dialMatch(t, srv, id, uuid.Nil)
	require.NoError(t, err)
	_, _, err = c.Read(ctx)
	assert.Equal(t, InvalidAuthTokenError, websocket.CloseStatus(err))

	_, err = dialMatch(t, srv, uuid.New(), h.a)
	assert.Error(t, err, "unknown match is refused before the upgrade")
}

func TestMatchWebSocketRejectsBadSubject(t *testing.T) {
	require.NoError(t, auth.Init(0))
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()
	id := h.create(t, 11)

	token, err := auth.CreateJWT("not-a-uuid")
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Cookie", "auth_token="+token)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/match/ws/" + id.String()
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"match"},
		HTTPHeader:   header,
	})
	require.NoError(t, err)
	_, _, err = c.Read(ctx)
	assert.Equal(t, InvalidUserIDError, websocket.CloseStatus(err))
}
