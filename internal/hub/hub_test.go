package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// hubServer is a test hub that hands each accepted connection to the test.
type hubServer struct {
	*httptest.Server
	conns chan *websocket.Conn

	mu    sync.Mutex
	auths []string
}

func newHubServer(t *testing.T) *hubServer {
	t.Helper()
	h := &hubServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.auths = append(h.auths, r.Header.Get("Authorization"))
		h.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hubServer) wsURL() string {
	return "ws" + strings.TrimPrefix(h.URL, "http")
}

func (h *hubServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-h.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func runClient(t *testing.T, cfg Config) {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
}

func TestClient_Events(t *testing.T) {
	h := newHubServer(t)

	var changes atomic.Int32
	runClient(t, Config{URL: h.wsURL(), Token: "secret", OnChange: func() { changes.Add(1) }})

	conn := h.accept(t)
	// Connecting counts as a change.
	require.Eventually(t, func() bool { return changes.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Event{Type: EventConfigChanged, RouteID: "ssh"}))
	require.NoError(t, conn.WriteJSON(Event{Type: "something_else"}))
	require.NoError(t, conn.WriteJSON(Event{Type: EventConfigChanged}))
	require.Eventually(t, func() bool { return changes.Load() == 3 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Event{Type: EventPing}))
	var reply Event
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, EventPong, reply.Type)

	h.mu.Lock()
	require.Equal(t, []string{"Bearer secret"}, h.auths)
	h.mu.Unlock()
}

func TestClient_Reconnects(t *testing.T) {
	h := newHubServer(t)

	var changes atomic.Int32
	runClient(t, Config{
		URL:             h.wsURL(),
		OnChange:        func() { changes.Add(1) },
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	})

	first := h.accept(t)
	first.Close()

	second := h.accept(t)
	require.Eventually(t, func() bool { return changes.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, second.WriteJSON(Event{Type: EventConfigChanged}))
	require.Eventually(t, func() bool { return changes.Load() == 3 }, 5*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	require.Equal(t, []string{"", ""}, h.auths)
	h.mu.Unlock()
}

func TestClient_ReadTimeout(t *testing.T) {
	h := newHubServer(t)

	runClient(t, Config{
		URL:             h.wsURL(),
		OnChange:        func() {},
		ReadTimeout:     100 * time.Millisecond,
		InitialInterval: 10 * time.Millisecond,
	})

	// A silent hub is dropped and dialled again.
	h.accept(t)
	h.accept(t)
}

func TestClient_Unreachable(t *testing.T) {
	h := newHubServer(t)
	url := h.wsURL()
	h.Close()

	var changes atomic.Int32
	c, err := NewClient(Config{URL: url, OnChange: func() { changes.Add(1) }, InitialInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	require.Zero(t, changes.Load())
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{OnChange: func() {}})
	require.Error(t, err)
	_, err = NewClient(Config{URL: "ws://localhost"})
	require.Error(t, err)
}
