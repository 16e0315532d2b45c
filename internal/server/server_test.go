package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/livelykit/lively/internal/auth"
	"github.com/livelykit/lively/internal/monitoring"
	"github.com/livelykit/lively/internal/room"
	"github.com/livelykit/lively/pkg/protocol"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *room.Manager) {
	t.Helper()
	manager := room.NewManager(room.Config{IdleEvict: time.Hour})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.DrainAll(ctx)
	})
	return New(cfg, manager), manager
}

func TestHealthOK(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body)
	}
}

func TestHealthDegraded(t *testing.T) {
	s, manager := newTestServer(t, Config{})
	h := manager.Health()
	// Simulated persistent snapshot failures flip the health report.
	for i := 0; i < 5; i++ {
		h.NoteFailure()
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "degraded" {
		t.Errorf("Expected status degraded, got %v", body)
	}
}

func TestNonUpgradePathsReturn426(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	for _, path := range []string{"/", "/index.html", "/api/things"} {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusUpgradeRequired {
			t.Errorf("GET %s: expected 426, got %d", path, w.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := monitoring.NewMetrics()
	metrics.ConnectionsTotal.Inc()
	s, _ := newTestServer(t, Config{Metrics: metrics})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "lively_connections_total") {
		t.Error("Expected lively metrics in exposition")
	}
}

func TestUpgradeRejectedWithoutToken(t *testing.T) {
	tm := auth.NewTokenManager("secret")
	s, _ := newTestServer(t, Config{Authenticate: auth.NewAuthenticator(tm)})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/rooms/demo", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
}

func TestWebsocketJoinReceivesInit(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/demo?user=Alice"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sawInit, sawRoster := false, false
	for i := 0; i < 2; i++ {
		var msg protocol.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		switch msg.Type {
		case protocol.TypeStorageInit:
			sawInit = true
			if msg.Root == nil {
				t.Error("Expected root in storage:init")
			}
		case protocol.TypePresence:
			sawRoster = true
			if len(msg.Users) != 1 || msg.Users[0].DisplayName != "Alice" {
				t.Errorf("Unexpected roster: %+v", msg.Users)
			}
		}
	}
	if !sawInit || !sawRoster {
		t.Errorf("Expected init and roster, got init=%v roster=%v", sawInit, sawRoster)
	}
}

func TestWebsocketBadFrameKeepsSocket(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/demo?user=Alice"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"no-such-type"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// The socket must stay usable after a dropped frame.
	if err := wsjson.Write(ctx, conn, &protocol.Message{Type: protocol.TypeHeartbeat}); err != nil {
		t.Fatalf("Heartbeat after bad frame failed: %v", err)
	}
	var msg protocol.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Read after bad frame failed: %v", err)
	}
}
