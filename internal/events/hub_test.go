package events

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub(Config{Enabled: true, MaxConnections: 4}, zap.NewNop())
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	// Wait for registration before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ActiveSubscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ActiveSubscribers() != 1 {
		t.Fatal("subscriber never registered")
	}

	hub.Publish(TypeQuarantined, QuarantinedEvent{
		BatchID: "b1", DocID: "d1", Risk: 85, Reasons: []string{"high_risk_phrase"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if event.Type != TypeQuarantined {
		t.Errorf("event type = %q", event.Type)
	}
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("event data = %T", event.Data)
	}
	if data["doc_id"] != "d1" || data["risk"] != float64(85) {
		t.Errorf("event data = %v", data)
	}
}

func TestPublishDisabledIsNoop(t *testing.T) {
	hub := NewHub(Config{Enabled: false}, zap.NewNop())
	// No Run goroutine: a publish must not block or panic.
	hub.Publish(TypeBatchScanned, BatchScannedEvent{BatchID: "b"})
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	hub := NewHub(Config{Enabled: true}, zap.NewNop())
	go hub.Run()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(TypeBatchScanned, BatchScannedEvent{BatchID: "b"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing without subscribers blocked")
	}
}
