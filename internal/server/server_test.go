package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/gralph-sub000/internal/auth"
	"github.com/goosewin/gralph-sub000/internal/state"
)

const testPassword = "correct horse"

func startTestServer(t *testing.T, store *state.Store) (*Server, string) {
	t.Helper()

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	srv, err := NewServer(&Config{
		Port:         0,
		PasswordHash: hash,
		Store:        store,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)
	t.Cleanup(func() { srv.Stop() })

	require.Eventually(t, func() bool {
		return srv.ListenAddr() != ""
	}, 5*time.Second, 10*time.Millisecond)

	return srv, "http://" + srv.ListenAddr()
}

func newServerStore(t *testing.T) *state.Store {
	t.Helper()
	st := state.NewStore(state.Options{
		Dir:   t.TempDir(),
		Probe: aliveProbe{},
	})
	require.NoError(t, st.Init())
	return st
}

// aliveProbe treats every pid as live so stale cleanup leaves test
// fixtures alone.
type aliveProbe struct{}

func (aliveProbe) Alive(int) bool { return true }

func authenticate(t *testing.T, base string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"password": testPassword})
	resp, err := http.Post(base+"/api/auth", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func doAuthed(t *testing.T, method, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthzIsPublic(t *testing.T) {
	t.Parallel()

	_, base := startTestServer(t, newServerStore(t))

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRejectsWrongPassword(t *testing.T) {
	t.Parallel()

	_, base := startTestServer(t, newServerStore(t))

	body, _ := json.Marshal(map[string]string{"password": "wrong"})
	resp, err := http.Post(base+"/api/auth", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	t.Parallel()

	_, base := startTestServer(t, newServerStore(t))

	resp, err := http.Get(base + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, base+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestListAndGetSessions(t *testing.T) {
	t.Parallel()

	store := newServerStore(t)
	require.NoError(t, store.Set("alpha", state.Fields{"status": state.StatusRunning, "pid": 1234}))
	require.NoError(t, store.Set("beta", state.Fields{"status": state.StatusComplete}))

	_, base := startTestServer(t, store)
	token := authenticate(t, base)

	resp := doAuthed(t, http.MethodGet, base+"/api/sessions", token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "alpha", list.Sessions[0]["name"])
	assert.Equal(t, "beta", list.Sessions[1]["name"])

	detail := doAuthed(t, http.MethodGet, base+"/api/sessions/alpha", token)
	defer detail.Body.Close()
	require.Equal(t, http.StatusOK, detail.StatusCode)

	var fields map[string]any
	require.NoError(t, json.NewDecoder(detail.Body).Decode(&fields))
	assert.Equal(t, "running", fields["status"])
	assert.Equal(t, float64(1234), fields["pid"])
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()

	_, base := startTestServer(t, newServerStore(t))
	token := authenticate(t, base)

	resp := doAuthed(t, http.MethodGet, base+"/api/sessions/ghost", token)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopSessionEndpoint(t *testing.T) {
	t.Parallel()

	store := newServerStore(t)
	require.NoError(t, store.Set("demo", state.Fields{"status": state.StatusRunning}))

	_, base := startTestServer(t, store)
	token := authenticate(t, base)

	resp := doAuthed(t, http.MethodPost, base+"/api/sessions/demo/stop", token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fields, err := store.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, state.SessionFromFields(fields).Status)
}

func TestDeleteSessionEndpoint(t *testing.T) {
	t.Parallel()

	store := newServerStore(t)
	require.NoError(t, store.Set("demo", state.Fields{"status": state.StatusComplete}))

	_, base := startTestServer(t, store)
	token := authenticate(t, base)

	resp := doAuthed(t, http.MethodDelete, base+"/api/sessions/demo", token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fields, err := store.Get("demo")
	require.NoError(t, err)
	assert.Nil(t, fields)

	again := doAuthed(t, http.MethodDelete, base+"/api/sessions/demo", token)
	defer again.Body.Close()
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestEventsWebsocketReceivesBroadcasts(t *testing.T) {
	t.Parallel()

	srv, base := startTestServer(t, newServerStore(t))
	token := authenticate(t, base)

	wsURL := "ws" + base[len("http"):] + "/api/events?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.Hub().ClientCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	srv.Hub().Broadcast(map[string]any{"event": "session.progress", "session": "demo"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "session.progress", got["event"])
	assert.Equal(t, "demo", got["session"])
}

func TestEventsWebsocketStreamsStoreProgress(t *testing.T) {
	t.Parallel()

	store := newServerStore(t)
	srv, base := startTestServer(t, store)
	token := authenticate(t, base)

	wsURL := "ws" + base[len("http"):] + "/api/events?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.Hub().ClientCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// A loop runner in another process would write exactly this.
	require.NoError(t, store.Set("live", state.Fields{
		"status":          state.StatusRunning,
		"iteration":       3,
		"last_task_count": 2,
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got map[string]any
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(msg, &got))
		if got["event"] == "session.updated" && got["session"] == "live" {
			break
		}
	}

	fields, ok := got["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, state.StatusRunning, fields["status"])
	assert.Equal(t, float64(3), fields["iteration"])
}

func TestEventsWebsocketRequiresToken(t *testing.T) {
	t.Parallel()

	_, base := startTestServer(t, newServerStore(t))

	wsURL := "ws" + base[len("http"):] + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRateLimiting(t *testing.T) {
	t.Parallel()

	store := newServerStore(t)
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	srv, err := NewServer(&Config{
		Port:         0,
		PasswordHash: hash,
		Store:        store,
		RateLimit:    &RateLimitConfig{MaxAttempts: 2, Window: time.Minute, BlockAfter: 100, BlockTime: time.Minute},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)
	t.Cleanup(func() { srv.Stop() })
	require.Eventually(t, func() bool { return srv.ListenAddr() != "" }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + srv.ListenAddr()

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(map[string]string{"password": "wrong"})
		resp, err := http.Post(base+"/api/auth", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, http.StatusUnauthorized, statuses[0])
	assert.Equal(t, http.StatusUnauthorized, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	_, base := startTestServer(t, newServerStore(t))

	req, err := http.NewRequest(http.MethodOptions, fmt.Sprintf("%s/api/sessions", base), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	store := newServerStore(t)

	_, err := NewServer(nil)
	assert.Error(t, err)

	_, err = NewServer(&Config{Store: store})
	assert.Error(t, err, "missing password hash")

	_, err = NewServer(&Config{PasswordHash: "x"})
	assert.Error(t, err, "missing store")
}
