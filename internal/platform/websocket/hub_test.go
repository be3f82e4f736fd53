package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/internal/platform/notification"
)

func receive(t *testing.T, c *Client) (notification.Event, bool) {
	t.Helper()
	select {
	case raw := <-c.Send:
		var ev notification.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return ev, true
	default:
		return notification.Event{}, false
	}
}

func TestHub_RoutesByEventType(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	payments := newClient("cashier-1", []string{string(notification.EventPaymentCompleted)})
	everything := newClient("manager-1", []string{AllEvents})
	both := newClient("admin-1", []string{string(notification.EventPaymentCompleted), AllEvents})
	for _, c := range []*Client{payments, everything, both} {
		hub.Register(c)
	}

	ev := notification.NewEvent(notification.EventPaymentCompleted, "cashier-1", "p-1", map[string]string{"amount": "60.00"})
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, c := range []*Client{payments, everything, both} {
		got, ok := receive(t, c)
		if !ok || got.ID != ev.ID {
			t.Errorf("client %s: got %v %v, want event %s", c.ActorID, got.ID, ok, ev.ID)
		}
	}
	if _, ok := receive(t, both); ok {
		t.Error("a client on two matching topics must get the event once")
	}

	hub.Publish(context.Background(), notification.NewEvent(notification.EventCashRequestApproved, "manager-1", "cr-1", nil))
	if _, ok := receive(t, payments); ok {
		t.Error("payment subscriber received a cash request event")
	}
	if _, ok := receive(t, everything); !ok {
		t.Error("wildcard subscriber missed a cash request event")
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("cashier-1", nil)
	hub.Register(c)

	topic := string(notification.EventRefundApproved)
	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{topic}})
	if hub.TopicCount(topic) != 1 {
		t.Fatalf("TopicCount = %d, want 1", hub.TopicCount(topic))
	}
	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{topic}})
	if hub.TopicCount(topic) != 0 {
		t.Errorf("TopicCount after unsubscribe = %d, want 0", hub.TopicCount(topic))
	}
	hub.ProcessMessage(c, ClientMessage{Action: "bogus", Topics: []string{topic}})
	if hub.TopicCount(topic) != 0 {
		t.Error("unknown action changed subscriptions")
	}
}

func TestHub_ClientMessageJSON(t *testing.T) {
	approved := string(notification.EventCashRequestApproved)
	rejected := string(notification.EventCashRequestRejected)
	tests := []struct {
		name string
		raw  []string
		want map[string]int
	}{
		{"single topic", []string{`{"action":"subscribe","topic":"cash_request.approved"}`}, map[string]int{approved: 1, rejected: 0}},
		{"topic list", []string{`{"action":"subscribe","topics":["cash_request.approved","cash_request.rejected"]}`}, map[string]int{approved: 1, rejected: 1}},
		{"topic and list", []string{`{"action":"subscribe","topic":"cash_request.approved","topics":["cash_request.rejected"]}`}, map[string]int{approved: 1, rejected: 1}},
		{"unsubscribe single topic", []string{
			`{"action":"subscribe","topics":["cash_request.approved","cash_request.rejected"]}`,
			`{"action":"unsubscribe","topic":"cash_request.approved"}`,
		}, map[string]int{approved: 0, rejected: 1}},
		{"empty topic ignored", []string{`{"action":"subscribe","topic":""}`}, map[string]int{"": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(zerolog.Nop())
			c := newClient("manager-1", nil)
			hub.Register(c)
			for _, raw := range tt.raw {
				var msg ClientMessage
				if err := json.Unmarshal([]byte(raw), &msg); err != nil {
					t.Fatalf("unmarshal %s: %v", raw, err)
				}
				hub.ProcessMessage(c, msg)
			}
			for topic, n := range tt.want {
				if got := hub.TopicCount(topic); got != n {
					t.Errorf("TopicCount(%q) = %d, want %d", topic, got, n)
				}
			}
		})
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("cashier-1", []string{AllEvents})
	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c)

	if _, open := <-c.Send; open {
		t.Error("Send should be closed")
	}
	if hub.ClientCount() != 0 || hub.TopicCount(AllEvents) != 0 {
		t.Errorf("hub still tracks the client")
	}
	if err := hub.Publish(context.Background(), notification.NewEvent(notification.EventPaymentCompleted, "x", "y", nil)); err != nil {
		t.Errorf("publish with no clients: %v", err)
	}
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("cashier-1", []string{AllEvents})
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+10; i++ {
			hub.Publish(context.Background(), notification.NewEvent(notification.EventPaymentCompleted, "x", "y", nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full client buffer")
	}
	if len(c.Send) != sendBuffer {
		t.Errorf("buffered %d events, want %d", len(c.Send), sendBuffer)
	}
}

func TestHandler_StreamsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	g := e.Group("/api/v1", auth.DevAuthMiddleware())
	g.GET("/events/ws", NewHandler(hub, nil).Connect)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?topic=" + string(notification.EventCashRequestApproved)
	header := http.Header{}
	header.Set(auth.HeaderActorID, "manager-1")
	header.Set(auth.HeaderActorRoles, "manager")
	ws, resp, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatal("client never registered")
	}

	ev := notification.NewEvent(notification.EventCashRequestApproved, "manager-1", "cr-1", map[string]string{"request_number": "CR-20260314-001"})
	hub.Publish(context.Background(), ev)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notification.Event
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != ev.ID || got.Data["request_number"] != "CR-20260314-001" {
		t.Errorf("got %+v", got)
	}
}

func TestHandler_SubscribeMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	g := e.Group("/api/v1", auth.DevAuthMiddleware())
	g.GET("/events/ws", NewHandler(hub, nil).Connect)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws"
	header := http.Header{}
	header.Set(auth.HeaderActorID, "cashier-1")
	header.Set(auth.HeaderActorRoles, "cashier")
	ws, _, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	topic := string(notification.EventCashRequestApproved)
	if err := ws.WriteMessage(gorillawebsocket.TextMessage, []byte(`{"action":"subscribe","topic":"`+topic+`"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(topic) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.TopicCount(topic) != 1 {
		t.Fatal("subscribe message was not applied")
	}

	ev := notification.NewEvent(notification.EventCashRequestApproved, "manager-1", "cr-2", nil)
	hub.Publish(context.Background(), ev)
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notification.Event
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != ev.ID {
		t.Errorf("got event %s, want %s", got.ID, ev.ID)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	e.GET("/events/ws", NewHandler(hub, []string{"https://cash.example.org"}).Connect)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws"
	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}
