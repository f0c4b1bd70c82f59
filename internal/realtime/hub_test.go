package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/defiagents/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventCreditScore, Address: "0xabc", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventWalletSession, EventNotification},
	}}

	if !h.shouldSend(client, &Event{Type: EventWalletSession}) {
		t.Error("Should receive wallet_session events")
	}
	if !h.shouldSend(client, &Event{Type: EventNotification}) {
		t.Error("Should receive notification events")
	}
	if h.shouldSend(client, &Event{Type: EventAgentUpdate}) {
		t.Error("Should NOT receive agent_update events")
	}
}

func TestShouldSend_AddressFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Addresses: []string{"0xABC"},
	}}

	if !h.shouldSend(client, &Event{Type: EventAgentUpdate, Address: "0xabc"}) {
		t.Error("Should match address case-insensitively")
	}
	if h.shouldSend(client, &Event{Type: EventAgentUpdate, Address: "0xdef"}) {
		t.Error("Should NOT match other wallets")
	}
	if !h.shouldSend(client, &Event{Type: EventNotification}) {
		t.Error("Global events should pass the address filter")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: EventCreditScore, Address: "0x1"}) {
		t.Error("Empty subscription should pass all events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Addresses: []string{"0xabc"}},
	}
	h.register <- client

	h.Publish(EventAgentUpdate, "0xDEF", map[string]any{"agentType": "auto-lender"})
	h.Publish(EventAgentUpdate, "0xABC", map[string]any{"agentType": "yield-farmer"})

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Address != "0xabc" || ev.Type != EventAgentUpdate {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_NotifierStreamsNotifications(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventNotification}},
	}
	h.register <- client

	h.Notifier().Notify(ctx, notify.Error("Connection failed", "rejected").For("0xAbc"))

	select {
	case msg := <-client.send:
		if !strings.Contains(string(msg), `"Connection failed"`) {
			t.Errorf("notification payload missing: %s", msg)
		}
		if !strings.Contains(string(msg), `"address":"0xabc"`) {
			t.Errorf("notification address missing: %s", msg)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for notification")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(Subscription{EventTypes: []EventType{EventCreditScore}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.Publish(EventWalletSession, "0x1", nil)
	h.Publish(EventCreditScore, "0x1", map[string]any{"score": 650})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventCreditScore {
		t.Errorf("expected credit_score, got %s", ev.Type)
	}
}

func TestHub_ReplaysRetainedStateOnRegister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.Publish(EventWalletSession, "0xAAA", map[string]any{"chainId": 1})
	h.Publish(EventWalletSession, "0xBBB", map[string]any{"chainId": 11155111})
	h.Publish(EventCreditScore, "0xBBB", map[string]any{"score": 700})
	h.Publish(EventAgentUpdate, "0xBBB", map[string]any{"kind": "settings"})

	deadline := time.Now().Add(time.Second)
	for h.totalEvents.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	client := &Client{hub: h, send: make(chan []byte, 16), sub: Subscription{AllEvents: true}}
	h.register <- client

	var got []Event
	for len(got) < 2 {
		select {
		case msg := <-client.send:
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %d replayed events", len(got))
		}
	}

	if got[0].Type != EventWalletSession || got[0].Address != "0xbbb" {
		t.Errorf("expected latest session first, got %+v", got[0])
	}
	if got[1].Type != EventCreditScore {
		t.Errorf("expected credit score second, got %+v", got[1])
	}
	select {
	case msg := <-client.send:
		t.Errorf("agent updates must not be replayed: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetainKey(t *testing.T) {
	if _, ok := retainKey(&Event{Type: EventNotification, Address: "0x1"}); ok {
		t.Error("notifications are not retained")
	}
	if _, ok := retainKey(&Event{Type: EventCreditScore}); ok {
		t.Error("credit scores need an address")
	}
	a, _ := retainKey(&Event{Type: EventWalletSession, Address: "0x1"})
	b, _ := retainKey(&Event{Type: EventWalletSession, Address: "0x2"})
	if a != b {
		t.Error("the wallet session has a single slot")
	}
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://app.example"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if !check(req("")) {
		t.Error("non-browser clients allowed")
	}
	if !check(req("http://api.example")) {
		t.Error("same host allowed")
	}
	if !check(req("https://app.example")) {
		t.Error("configured origin allowed")
	}
	if check(req("https://evil.example")) {
		t.Error("unknown origin rejected")
	}
}
