package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestListenCancelIsIdempotent(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	_, cancel := b.Listen()
	cancel()
	cancel()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after cancel")
	}
}

func TestPublishDeliveryInOrder(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch, cancel := b.Listen()
	defer cancel()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"})

	for _, want := range []string{"first", "second"} {
		select {
		case ev := <-ch:
			if ev.Type != want {
				t.Fatalf("got %q, want %q", ev.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := &lockedRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for b.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: "list.updated", Data: map[string]string{"list": "Groceries"}})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.String()
	if !strings.Contains(body, "event: list.updated") || !strings.Contains(body, `"list":"Groceries"`) {
		t.Errorf("handler output missing event: %q", body)
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Event{Type: "test"})
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe()
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}
	b.Publish(Event{Type: "ignored"})
	b.Close()
}

type lockedRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (l *lockedRecorder) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ResponseRecorder.Write(p)
}

func (l *lockedRecorder) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Body.String()
}

func TestFullSubscriberKeepsNonLossyEvents(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch, cancel := b.Listen()
	defer cancel()

	b.Publish(Event{Type: "start"})
	for i := 0; i < subscriberBuffer*3; i++ {
		b.Publish(Event{Type: "line", Lossy: true})
	}
	b.Publish(Event{Type: "stop"})

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) == 0 || got[len(got)-1] != "stop" {
		select {
		case ev := <-ch:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("stop never delivered, got %d events", len(got))
		}
	}
	if got[0] != "start" {
		t.Fatalf("first event = %q, want start", got[0])
	}
	if len(got) > subscriberBuffer {
		t.Fatalf("delivered %d events, buffer is %d", len(got), subscriberBuffer)
	}
}

func TestFullSubscriberDropsNewLossyEvents(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch, cancel := b.Listen()
	defer cancel()

	for i := 0; i < subscriberBuffer; i++ {
		b.Publish(Event{Type: "keep"})
	}
	b.Publish(Event{Type: "line", Lossy: true})

	deadline := time.Now().Add(time.Second)
	for len(ch) < subscriberBuffer && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < subscriberBuffer; i++ {
		if ev := <-ch; ev.Type != "keep" {
			t.Fatalf("event %d = %q, want keep", i, ev.Type)
		}
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected %q after buffer", ev.Type)
	default:
	}
}
