package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/stake-engine/internal/model"
)

func TestParseEventTypes(t *testing.T) {
	if got := parseEventTypes(""); got != nil {
		t.Fatalf("empty filter = %v, want nil", got)
	}
	got := parseEventTypes(" stake.deposited, ,cycle.opened ")
	if len(got) != 2 || !got["stake.deposited"] || !got["cycle.opened"] {
		t.Fatalf("unexpected filter %v", got)
	}
}

func TestWSHub_DeliversOnlySubscribedTypes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?types=" + model.EventStakeDeposited
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Emit(model.Event{ID: "1", Type: model.EventCycleOpened})
	hub.Emit(model.Event{ID: "2", Type: model.EventStakeDeposited})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt model.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Type != model.EventStakeDeposited || evt.ID != "2" {
		t.Fatalf("got %s/%s, want the deposit event", evt.Type, evt.ID)
	}
}

func TestWSHub_ClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close after shutdown")
	}
}
