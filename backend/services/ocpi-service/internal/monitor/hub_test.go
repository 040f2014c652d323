package monitor

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/observer"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHubBroadcastsResponses(t *testing.T) {
	hub := NewHub(time.Minute, time.Second, zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	waitFor(t, func() bool { return hub.Len() == 1 })

	hub.OnResponse(context.Background(),
		observer.Exchange{RequestID: "r1", Method: "PUT", Route: "/locations/{cc}/{pid}/{id}"},
		observer.Outcome{Status: 201},
	)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Phase != "response" || ev.Exchange.RequestID != "r1" || ev.Outcome == nil || ev.Outcome.Status != 201 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHubRemovesClosedClients(t *testing.T) {
	hub := NewHub(time.Minute, time.Second, zap.NewNop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return hub.Len() == 1 })

	_ = conn.Close()
	waitFor(t, func() bool { return hub.Len() == 0 })
}

func TestHubRunStopsOnCancel(t *testing.T) {
	hub := NewHub(10*time.Millisecond, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	hub := NewHub(0, 0, zap.NewNop())
	hub.OnRequest(context.Background(), observer.Exchange{RequestID: "r1"})
}
