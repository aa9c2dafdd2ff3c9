package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterClient(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "client-1",
		Topics: []string{"chat:THR1"},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("chat:THR1") != 1 {
		t.Fatalf("expected 1 client on chat:THR1, got %d", hub.TopicCount("chat:THR1"))
	}
}

func TestHub_UnregisterClient(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "client-2",
		Topics: []string{"chat:THR2"},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("chat:THR2") != 0 {
		t.Fatalf("expected 0 clients on chat:THR2, got %d", hub.TopicCount("chat:THR2"))
	}
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := newTestHub()

	subscribed := &Client{
		ID:     "sub-1",
		Topics: []string{"chat:THR3"},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	other := &Client{
		ID:     "sub-2",
		Topics: []string{"chat:OTHER"},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	hub.Register(subscribed)
	hub.Register(other)

	event := Event{
		Type:      "message.created",
		Topic:     "chat:THR3",
		Entity:    "chat_message",
		EntityID:  "MSG1",
		Timestamp: time.Now(),
	}
	hub.Broadcast("chat:THR3", event)

	select {
	case data := <-subscribed.Send:
		var received Event
		if err := json.Unmarshal(data, &received); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		if received.EntityID != "MSG1" {
			t.Fatalf("expected EntityID MSG1, got %s", received.EntityID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed client did not receive event")
	}

	select {
	case <-other.Send:
		t.Fatal("client on another topic received the event")
	default:
	}
}

func TestHub_BroadcastAll(t *testing.T) {
	hub := newTestHub()

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = &Client{
			ID:     "all-" + string(rune('a'+i)),
			Topics: []string{},
			Send:   make(chan []byte, 256),
			hub:    hub,
		}
		hub.Register(clients[i])
	}

	event := Event{
		Type:      "system.notice",
		Topic:     "system",
		Entity:    "system",
		Timestamp: time.Now(),
	}
	hub.BroadcastAll(event)

	for _, c := range clients {
		select {
		case <-c.Send:
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive broadcast", c.ID)
		}
	}
}

func TestHub_TopicCount(t *testing.T) {
	hub := newTestHub()

	for i := 0; i < 3; i++ {
		hub.Register(&Client{
			ID:     "tc-" + string(rune('a'+i)),
			Topics: []string{"appointments:PAT1"},
			Send:   make(chan []byte, 256),
			hub:    hub,
		})
	}

	if hub.TopicCount("appointments:PAT1") != 3 {
		t.Fatalf("expected 3 subscribers, got %d", hub.TopicCount("appointments:PAT1"))
	}
	if hub.TopicCount("appointments:PAT2") != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.TopicCount("appointments:PAT2"))
	}
}

func TestHub_MultipleTopics(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "multi-1",
		Topics: []string{"chat:THR1", "appointments:PAT1"},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	hub.Register(client)

	event := Event{
		Type:      "appointment.updated",
		Topic:     "appointments:PAT1",
		Entity:    "appointment",
		EntityID:  "APT1",
		Timestamp: time.Now(),
	}
	hub.Broadcast("appointments:PAT1", event)

	select {
	case <-client.Send:
	case <-time.After(time.Second):
		t.Fatal("client did not receive event on second topic")
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "close-1",
		Topics: []string{},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	hub.Register(client)
	hub.Unregister(client)

	if _, open := <-client.Send; open {
		t.Fatal("expected Send channel to be closed after unregister")
	}

	// Second unregister must be a no-op, not a double close.
	hub.Unregister(client)
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := newTestHub()

	event := Event{
		Type:      "message.created",
		Topic:     "chat:NOBODY",
		Entity:    "chat_message",
		EntityID:  "MSG9",
		Timestamp: time.Now(),
	}
	// Must not panic when there are no subscribers.
	hub.Broadcast("chat:NOBODY", event)
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			client := &Client{
				ID:     "conc-" + string(rune('a'+n%26)),
				Topics: []string{"chat:SHARED"},
				Send:   make(chan []byte, 256),
				hub:    hub,
			}
			hub.Register(client)
			hub.Broadcast("chat:SHARED", Event{
				Type:      "message.created",
				Topic:     "chat:SHARED",
				Entity:    "chat_message",
				Timestamp: time.Now(),
			})
			hub.Unregister(client)
		}(i)
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after churn, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Event tests
// ---------------------------------------------------------------------------

func TestEvent_JSONSerialization(t *testing.T) {
	event := Event{
		Type:      "message.created",
		Topic:     "chat:THR42",
		Entity:    "chat_message",
		EntityID:  "MSGABC",
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	// Wire format uses snake_case keys.
	if !strings.Contains(string(data), `"entity":"chat_message"`) {
		t.Fatalf("expected snake_case entity key, got %s", data)
	}
	if !strings.Contains(string(data), `"entity_id":"MSGABC"`) {
		t.Fatalf("expected snake_case entity_id key, got %s", data)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Entity != event.Entity {
		t.Fatalf("Entity mismatch: %s vs %s", decoded.Entity, event.Entity)
	}
	if decoded.EntityID != event.EntityID {
		t.Fatalf("EntityID mismatch: %s vs %s", decoded.EntityID, event.EntityID)
	}
}

func TestEvent_WithData(t *testing.T) {
	payload := map[string]string{"content": "hello", "sender_role": "doctor"}
	raw, _ := json.Marshal(payload)

	event := Event{
		Type:      "message.created",
		Topic:     "chat:THR1",
		Entity:    "chat_message",
		EntityID:  "MSG1",
		Timestamp: time.Now(),
		Data:      raw,
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(decoded.Data, &got); err != nil {
		t.Fatalf("failed to unmarshal data payload: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Fatalf("data payload mismatch: %v vs %v", got, payload)
	}
}

func TestHub_PublishEvent(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "pub-1",
		Topics: []string{"appointments:PAT7"},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	hub.Register(client)

	event := Event{
		Type:      "appointment.booked",
		Topic:     "appointments:PAT7",
		Entity:    "appointment",
		EntityID:  "APT100",
		Timestamp: time.Now(),
	}
	if err := hub.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case data := <-client.Send:
		var received Event
		if err := json.Unmarshal(data, &received); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		if received.EntityID != "APT100" {
			t.Fatalf("expected EntityID APT100, got %s", received.EntityID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive published event")
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestWebSocketHandler_RegisterRoutes(t *testing.T) {
	hub := newTestHub()
	handler := NewWebSocketHandler(hub)

	e := echo.New()
	g := e.Group("")
	handler.RegisterRoutes(g)

	routes := e.Routes()
	found := false
	for _, r := range routes {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestInitialTopics(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"", []string{}},
		{"chat:THR1", []string{"chat:THR1"}},
		{"chat:THR1,appointments:PAT1", []string{"chat:THR1", "appointments:PAT1"}},
		{" chat:THR1 , ,appointments:PAT1 ", []string{"chat:THR1", "appointments:PAT1"}},
	}
	for _, tc := range cases {
		got := initialTopics(tc.raw)
		if len(got) != len(tc.want) {
			t.Fatalf("initialTopics(%q): expected %d topics, got %d", tc.raw, len(tc.want), len(got))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("initialTopics(%q): expected %v, got %v", tc.raw, tc.want, got)
			}
		}
	}
}

func TestWebSocketHandler_SubscribeMessage(t *testing.T) {
	msg := ClientMessage{
		Action: "subscribe",
		Topics: []string{"chat:THR1", "appointments:PAT1"},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded ClientMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Action != "subscribe" {
		t.Fatalf("expected action subscribe, got %s", decoded.Action)
	}
	if len(decoded.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(decoded.Topics))
	}
}

func TestWebSocketHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	hub := newTestHub()
	handler := NewWebSocketHandler(hub)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.HandleConnect(c)

	// gorilla/websocket upgrader will reject non-WS requests
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHub_SubscribeAddsTopics(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "dynamic-sub-1",
		Topics: []string{},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	hub.Register(client)

	hub.Subscribe(client, []string{"chat:THRNEW", "appointments:PATNEW"})

	if hub.TopicCount("chat:THRNEW") != 1 {
		t.Fatalf("expected 1 on chat:THRNEW, got %d", hub.TopicCount("chat:THRNEW"))
	}
	if hub.TopicCount("appointments:PATNEW") != 1 {
		t.Fatalf("expected 1 on appointments:PATNEW, got %d", hub.TopicCount("appointments:PATNEW"))
	}
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics on client, got %d", len(client.Topics))
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "dynamic-unsub-1",
		Topics: []string{"chat:A", "chat:B", "chat:C"},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	hub.Register(client)

	hub.Unsubscribe(client, []string{"chat:A", "chat:C"})

	if hub.TopicCount("chat:A") != 0 {
		t.Fatalf("expected 0 on chat:A, got %d", hub.TopicCount("chat:A"))
	}
	if hub.TopicCount("chat:B") != 1 {
		t.Fatalf("expected 1 on chat:B, got %d", hub.TopicCount("chat:B"))
	}
	if len(client.Topics) != 1 || client.Topics[0] != "chat:B" {
		t.Fatalf("expected [chat:B] remaining, got %v", client.Topics)
	}
}

func TestClientMessage_ProcessSubscribe(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "process-1",
		Topics: []string{},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	hub.Register(client)

	raw := `{"action":"subscribe","topics":["chat:THR123"]}`
	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	hub.ProcessMessage(client, msg)

	if hub.TopicCount("chat:THR123") != 1 {
		t.Fatalf("expected 1 subscriber on chat:THR123, got %d", hub.TopicCount("chat:THR123"))
	}
}

func TestClientMessage_ProcessUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := &Client{
		ID:     "process-2",
		Topics: []string{"chat:THR123", "chat:THR456"},
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
	hub.Register(client)

	raw := `{"action":"unsubscribe","topics":["chat:THR123"]}`
	var msg ClientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	hub.ProcessMessage(client, msg)

	if hub.TopicCount("chat:THR123") != 0 {
		t.Fatalf("expected 0 on chat:THR123, got %d", hub.TopicCount("chat:THR123"))
	}
	if hub.TopicCount("chat:THR456") != 1 {
		t.Fatalf("expected 1 on chat:THR456, got %d", hub.TopicCount("chat:THR456"))
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := newTestHub()
	handler := NewWebSocketHandler(hub)

	e := echo.New()
	g := e.Group("")
	handler.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	// Convert http URL to ws URL; preset one topic via query param.
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=chat:THR-ws"

	dialer := gorillawebsocket.Dialer{}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	// Give the goroutine a moment to register.
	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() < 1 {
		t.Fatal("expected at least 1 client registered after connect")
	}
	if hub.TopicCount("chat:THR-ws") != 1 {
		t.Fatalf("expected preset topic subscription, got %d", hub.TopicCount("chat:THR-ws"))
	}

	// Subscribe to a second topic over the wire.
	subMsg := ClientMessage{
		Action: "subscribe",
		Topics: []string{"appointments:PAT-ws"},
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if hub.TopicCount("appointments:PAT-ws") != 1 {
		t.Fatalf("expected 1 subscriber on appointments:PAT-ws, got %d", hub.TopicCount("appointments:PAT-ws"))
	}

	// Broadcast an event and verify the client receives it.
	event := Event{
		Type:      "message.created",
		Topic:     "chat:THR-ws",
		Entity:    "chat_message",
		EntityID:  "MSG-ws",
		Timestamp: time.Now(),
	}
	hub.Broadcast("chat:THR-ws", event)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "message.created" {
		t.Fatalf("expected message.created, got %s", received.Type)
	}
	if received.EntityID != "MSG-ws" {
		t.Fatalf("expected EntityID MSG-ws, got %s", received.EntityID)
	}
}
