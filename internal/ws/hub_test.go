package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
	"go.viam.com/test"
)

func TestHubBroadcastsToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zaptest.NewLogger(t).Sugar())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	hub.BroadcastJSON(map[string]any{"type": "log", "message": "hello"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got map[string]any
	test.That(t, conn.ReadJSON(&got), test.ShouldBeNil)
	test.That(t, got["type"], test.ShouldEqual, "log")
	test.That(t, got["message"], test.ShouldEqual, "hello")
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < 300; i++ {
		hub.BroadcastJSON(map[string]int{"i": i})
	}
	test.That(t, hub.Dropped(), test.ShouldEqual, int64(300-256))
}
