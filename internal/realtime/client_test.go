package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// scriptedHub is a minimal server side of the realtime protocol for client
// tests: it acks auth (accepting only validToken), records every other
// frame, and can drop connections on demand.
type scriptedHub struct {
	validToken string
	ackDelay   time.Duration

	mu       sync.Mutex
	received []*models.Message
	conns    []*websocket.Conn
	dials    atomic.Int32
}

func (h *scriptedHub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.dials.Add(1)
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var msg models.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}

			if msg.Type == models.MessageTypeAuth {
				var payload models.AuthPayload
				json.Unmarshal(msg.Payload, &payload)

				if h.ackDelay > 0 {
					time.Sleep(h.ackDelay)
				}

				ack := models.AuthAckPayload{
					Success:          payload.Token == h.validToken,
					ClientID:         "client_test",
					ServerInstanceID: "instance_test",
				}
				if !ack.Success {
					ack.Error = "invalid or expired session"
					ack.ClientID = ""
				}
				reply, _ := models.NewMessage(models.MessageTypeAuthAck, ack)
				conn.WriteJSON(reply)
				continue
			}

			h.mu.Lock()
			h.received = append(h.received, &msg)
			h.mu.Unlock()
		}
	}
}

func (h *scriptedHub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		conn.Close()
	}
	h.conns = nil
}

func (h *scriptedHub) receivedTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]string, len(h.received))
	for i, msg := range h.received {
		types[i] = msg.Type
	}
	return types
}

func newTestClient(t *testing.T, serverURL, token string, cfg *common.RealtimeConfig) *Client {
	t.Helper()
	if cfg == nil {
		cfg = &common.RealtimeConfig{
			HeartbeatInterval:    "10s",
			WriteTimeout:         "2s",
			ReconnectBase:        "20ms",
			MaxReconnectAttempts: 3,
			PendingQueueSize:     16,
		}
	}
	url := "ws" + strings.TrimPrefix(serverURL, "http")
	client := NewClient(url, token, cfg, arbor.NewLogger())
	t.Cleanup(func() { client.Close() })
	return client
}

func waitForState(t *testing.T, client *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if client.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never reached state %s (currently %s)", want, client.State())
}

func TestConnectAndAuthenticate(t *testing.T) {
	hub := &scriptedHub{validToken: "tok"}
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL, "tok", nil)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	waitForState(t, client, StateAuthenticated)
	if got := client.ServerInstanceID(); got != "instance_test" {
		t.Errorf("server instance ID = %q, want instance_test", got)
	}
}

func TestPendingMessagesFlushInOrder(t *testing.T) {
	hub := &scriptedHub{validToken: "tok", ackDelay: 150 * time.Millisecond}
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL, "tok", nil)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Queued while the ack is still in flight
	for _, msgType := range []string{"first", "second", "third"} {
		msg, _ := models.NewMessage(msgType, nil)
		if err := client.Send(msg); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	waitForState(t, client, StateAuthenticated)
	time.Sleep(100 * time.Millisecond) // let the flush reach the server

	types := hub.receivedTypes()
	want := []string{"first", "second", "third"}
	if len(types) != len(want) {
		t.Fatalf("received %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("flush order %v, want %v", types, want)
		}
	}
}

func TestPendingQueueDropsOldest(t *testing.T) {
	hub := &scriptedHub{validToken: "tok", ackDelay: 150 * time.Millisecond}
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL, "tok", &common.RealtimeConfig{
		HeartbeatInterval:    "10s",
		WriteTimeout:         "2s",
		ReconnectBase:        "20ms",
		MaxReconnectAttempts: 3,
		PendingQueueSize:     2,
	})
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	for _, msgType := range []string{"first", "second", "third"} {
		msg, _ := models.NewMessage(msgType, nil)
		if err := client.Send(msg); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	waitForState(t, client, StateAuthenticated)
	time.Sleep(100 * time.Millisecond)

	types := hub.receivedTypes()
	want := []string{"second", "third"}
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] {
		t.Fatalf("received %v, want %v (oldest dropped)", types, want)
	}
}

func TestAuthRejectionDoesNotReconnect(t *testing.T) {
	hub := &scriptedHub{validToken: "tok"}
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL, "wrong", nil)

	var disconnectErr error
	var notified atomic.Bool
	client.OnDisconnect(func(err error) {
		disconnectErr = err
		notified.Store(true)
	})

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !notified.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !notified.Load() {
		t.Fatal("disconnect handler never fired")
	}
	if disconnectErr == nil || !strings.Contains(disconnectErr.Error(), "authentication rejected") {
		t.Errorf("unexpected disconnect error: %v", disconnectErr)
	}
	if got := hub.dials.Load(); got != 1 {
		t.Errorf("client dialed %d times, want 1 (no retry on auth rejection)", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	hub := &scriptedHub{validToken: "tok"}
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL, "tok", nil)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, client, StateAuthenticated)

	hub.dropAll()

	deadline := time.Now().Add(3 * time.Second)
	for hub.dials.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.dials.Load() < 2 {
		t.Fatal("client never redialed after drop")
	}

	waitForState(t, client, StateAuthenticated)
}

func TestExhaustedReconnectsNotifyListeners(t *testing.T) {
	hub := &scriptedHub{validToken: "tok"}
	server := httptest.NewServer(hub.handler(t))

	client := newTestClient(t, server.URL, "tok", &common.RealtimeConfig{
		HeartbeatInterval:    "10s",
		WriteTimeout:         "1s",
		ReconnectBase:        "10ms",
		MaxReconnectAttempts: 2,
		PendingQueueSize:     16,
	})

	var notified atomic.Bool
	client.OnDisconnect(func(err error) { notified.Store(true) })

	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, client, StateAuthenticated)

	// Kill the server entirely so every reconnect attempt fails
	server.CloseClientConnections()
	server.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !notified.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !notified.Load() {
		t.Fatal("disconnect handler never fired after exhausting reconnects")
	}
	if client.State() != StateDisconnected {
		t.Errorf("expected disconnected state, got %s", client.State())
	}
}

func TestCloseNeverReconnects(t *testing.T) {
	hub := &scriptedHub{validToken: "tok"}
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL, "tok", nil)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, client, StateAuthenticated)

	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := hub.dials.Load(); got != 1 {
		t.Errorf("client dialed %d times after Close, want 1", got)
	}
	if client.State() != StateDisconnected {
		t.Errorf("expected disconnected after Close, got %s", client.State())
	}

	// Send after Close is rejected
	msg, _ := models.NewMessage("anything", nil)
	if err := client.Send(msg); err == nil {
		t.Error("expected error sending on a closed client")
	}
}

func TestSubscriptionReplayAfterReconnect(t *testing.T) {
	hub := &scriptedHub{validToken: "tok"}
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	client := newTestClient(t, server.URL, "tok", nil)
	if err := client.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitForState(t, client, StateAuthenticated)

	if err := client.Subscribe(models.ChannelJobs); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	waitForState(t, client, StateSubscribed)

	hub.dropAll()
	waitForState(t, client, StateSubscribed)
	time.Sleep(100 * time.Millisecond)

	// Subscribe frame arrived on both connections
	subscribes := 0
	for _, msgType := range hub.receivedTypes() {
		if msgType == models.MessageTypeSubscribe {
			subscribes++
		}
	}
	if subscribes < 2 {
		t.Errorf("expected subscribe replayed after reconnect, saw %d subscribe frames", subscribes)
	}
}
