// Package events implements the in-process event broker used for server
// lifecycle and list refresh notifications, with an SSE endpoint.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
)

// Event is a single notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	// Lossy marks high-volume events that may be dropped, or evicted to make
	// room, when a subscriber falls behind. Other events are always queued.
	Lossy bool `json:"-"`
}

const (
	publishBuffer    = 256
	subscriberBuffer = 64
)

// Broker fans events out to subscribers.
//
// A single internal goroutine owns the subscriber set. Public methods talk to
// it through channels, so no mutexes are required. Slow subscribers lose
// events rather than block the loop.
type Broker struct {
	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker and starts its loop.
func NewBroker() *Broker {
	b := &Broker{
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, publishBuffer),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan Event]struct{})

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			for ch := range clients {
				deliver(ch, ev)
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// deliver queues ev on ch without blocking. A full channel drops a lossy ev.
// For any other ev the queue is drained, its oldest lossy entries are
// discarded until ev fits, and the rest is re-queued in order. The loop is
// the only sender, so the re-queued entries always fit.
func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	if ev.Lossy {
		return
	}

	pending := make([]Event, 0, cap(ch))
drain:
	for {
		select {
		case queued := <-ch:
			pending = append(pending, queued)
		default:
			break drain
		}
	}

	excess := len(pending) + 1 - cap(ch)
	kept := pending[:0]
	for _, queued := range pending {
		if excess > 0 && queued.Lossy {
			excess--
			continue
		}
		kept = append(kept, queued)
	}
	// Only non-lossy events left and still no room: drop the oldest.
	if excess > 0 {
		kept = kept[excess:]
	}
	for _, queued := range append(kept, ev) {
		select {
		case ch <- queued:
		default:
		}
	}
}

// Close stops the loop and closes all subscriber channels. Safe to call twice.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// Listen is Subscribe returning a receive-only channel and its removal func.
func (b *Broker) Listen() (<-chan Event, func()) {
	ch := b.Subscribe()
	var once atomic.Bool
	return ch, func() {
		if once.CompareAndSwap(false, true) {
			b.Unsubscribe(ch)
		}
	}
}

// ClientCount returns the number of subscribers.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish queues an event for every subscriber. No-op after Close.
func (b *Broker) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// ServeHTTP streams events as Server-Sent Events until the client goes away.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Listen()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
