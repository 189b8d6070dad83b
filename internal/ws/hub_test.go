package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type testSubscriber struct {
	ch     chan []byte
	err    error
	mu     sync.Mutex
	closed bool
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{ch: make(chan []byte, 4)}
}

func (s *testSubscriber) Send(payload []byte) error {
	if s.err != nil {
		return s.err
	}
	select {
	case s.ch <- append([]byte(nil), payload...):
	default:
	}
	return nil
}

func (s *testSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *testSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestHubBroadcastsByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	anomalies := newTestSubscriber()
	other := newTestSubscriber()
	hub.Register(TopicAnomalies, anomalies)
	hub.Register("other", other)

	hub.Broadcast(TopicAnomalies, []byte(`{"id":1}`))

	select {
	case payload := <-anomalies.ch:
		if string(payload) != `{"id":1}` {
			t.Fatalf("unexpected payload %s", payload)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected anomaly broadcast")
	}
	select {
	case payload := <-other.ch:
		t.Fatalf("did not expect payload on other topic, got %s", payload)
	case <-time.After(20 * time.Millisecond):
	}

	if got := hub.Subscribers(TopicAnomalies); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}
	hub.Unregister(TopicAnomalies, anomalies)
	if got := hub.Subscribers(TopicAnomalies); got != 0 {
		t.Fatalf("expected 0 subscribers after unregister, got %d", got)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := newTestSubscriber()
	broken.err = errors.New("gone")
	hub.Register(TopicAnomalies, broken)
	hub.Broadcast(TopicAnomalies, []byte("x"))

	if got := hub.Subscribers(TopicAnomalies); got != 0 {
		t.Fatalf("expected failing subscriber to be dropped, got %d", got)
	}
	if !broken.isClosed() {
		t.Fatalf("expected failing subscriber to be closed")
	}
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := newTestSubscriber()
	hub.Register(TopicAnomalies, sub)
	hub.Close()
	hub.Close()

	deadline := time.Now().Add(200 * time.Millisecond)
	for !sub.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !sub.isClosed() {
		t.Fatalf("expected subscriber closed with hub")
	}
	hub.Broadcast(TopicAnomalies, []byte("late"))
	if got := hub.Subscribers(TopicAnomalies); got != 0 {
		t.Fatalf("expected closed hub to report 0 subscribers, got %d", got)
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "anomaly", nil)
	if err := client.Send([]byte(`{"id":7}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: anomaly\ndata: {\"id\":7}\n\n") {
		t.Fatalf("unexpected event frame %q", body)
	}
	if !strings.HasSuffix(body, ": ping\n\n") {
		t.Fatalf("expected heartbeat comment, got %q", body)
	}
	client.Close()
	if err := client.Send([]byte("x")); err == nil {
		t.Fatalf("expected send after close to fail")
	}
	if !client.Closed() {
		t.Fatalf("expected client to report closed")
	}
}
