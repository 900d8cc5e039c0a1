package publish

import (
	"log/slog"
	"sync"

	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
	"github.com/pulce2011/GPU-Code-Runner/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub is an in-process Transport fanning payloads out to channel
// subscribers. A full subscriber queue loses its oldest payload instead of
// blocking publishers, so the latest snapshot (terminal ones included) is
// always delivered.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	hooks  []func(channel string)
	buffer int
	logger *slog.Logger
}

// NewHub creates a Hub. buffer <= 0 selects DefaultBuffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logging.Component(logger, "hub"),
	}
}

// Publish implements Transport.
func (h *Hub) Publish(channel string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[channel] {
		sub.offer(payload, h.logger)
	}
	return nil
}

// Subscribe registers a new subscriber on channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		hub:     h,
		channel: channel,
		ch:      make(chan []byte, h.buffer),
	}
	h.mu.Lock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[channel] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.Subscribers.Inc()
	return sub
}

// OnDisconnect registers fn to run when the last subscriber of a channel
// leaves. Hooks run on the goroutine that closed the subscription.
func (h *Hub) OnDisconnect(fn func(channel string)) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Subscribers returns the number of open subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	set := h.subs[sub.channel]
	delete(set, sub)
	close(sub.ch)
	last := len(set) == 0
	if last {
		delete(h.subs, sub.channel)
	}
	hooks := append([]func(string){}, h.hooks...)
	h.mu.Unlock()

	metrics.Subscribers.Dec()
	if !last {
		return
	}
	for _, fn := range hooks {
		fn(sub.channel)
	}
}

// Subscription receives payloads published on one channel.
type Subscription struct {
	hub     *Hub
	channel string
	ch      chan []byte
	once    sync.Once
}

// offer queues payload, evicting the oldest queued one when full. Only
// publishers send on ch, and they hold the hub lock, so after one eviction
// the send cannot block.
func (s *Subscription) offer(payload []byte, logger *slog.Logger) {
	select {
	case s.ch <- payload:
		return
	default:
	}
	select {
	case <-s.ch:
		metrics.EventsDropped.Inc()
		logger.Debug("event dropped", "channel", s.channel)
	default:
	}
	select {
	case s.ch <- payload:
	default:
		metrics.EventsDropped.Inc()
	}
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string {
	return s.channel
}

// C delivers payloads; it is closed by Close.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}
