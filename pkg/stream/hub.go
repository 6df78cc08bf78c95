// SPDX-License-Identifier: GPL-2.0-or-later

// Package stream implements the live fMP4 pipeline: frame ingress,
// encoder session, fan-out hub and the session controller.
package stream

import (
	"sync"

	"camproxy/pkg/log"

	"github.com/google/uuid"
)

// Queued boxes per subscriber. A subscriber that falls this far
// behind is dropped rather than stalling the encoder pump.
const subscriberQueueSize = 64

// Subscriber is one attached HTTP client. It is created by the HTTP
// handler and mutated only by the hub. The handler drains Feed and
// observes Done.
type Subscriber struct {
	ID     uuid.UUID
	Serial string

	// Owned by the hub.
	hasReceivedInit  bool
	listenerAttached bool
	mediaStarted     bool
	active           bool

	queue chan []byte
	done  chan struct{}
}

// NewSubscriber returns a subscriber for one camera.
func NewSubscriber(serial string) *Subscriber {
	return &Subscriber{
		ID:     uuid.New(),
		Serial: serial,
		active: true,

		queue: make(chan []byte, subscriberQueueSize),
		done:  make(chan struct{}),
	}
}

// Feed returns the box feed. The first entry is always the init
// segment of the current session.
func (s *Subscriber) Feed() <-chan []byte {
	return s.queue
}

// Done is closed when the subscriber is detached or dropped.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Hub delivers the live stream to all attached subscribers with
// per-subscriber init gating.
type Hub struct {
	logf logFunc

	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}
	initSegment []byte
}

// NewHub returns an empty hub.
func NewHub(logf logFunc) *Hub {
	return &Hub{
		logf:        logf,
		subscribers: map[*Subscriber]struct{}{},
	}
}

// Subscribe registers a subscriber. If the init segment is already
// cached it is delivered immediately.
func (h *Hub) Subscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers[sub] = struct{}{}
	if h.initSegment != nil {
		h.deliverInit(sub)
	}
}

// Unsubscribe removes a subscriber and detaches its listener. The
// media sink is not closed, the handler end-of-streams it.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscribers, sub)
	h.dropSub(sub)
}

// SetInit caches the init segment for the session and delivers it to
// every init-pending subscriber.
func (h *Hub) SetInit(initSegment []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.initSegment = initSegment
	for sub := range h.subscribers {
		if !sub.hasReceivedInit {
			h.deliverInit(sub)
		}
	}
}

// ResetInit clears the cached init segment on session end. Attached
// subscribers return to init-pending and will receive the next
// session's init segment first.
func (h *Hub) ResetInit() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.initSegment = nil
	for sub := range h.subscribers {
		sub.hasReceivedInit = false
		sub.mediaStarted = false
	}
}

// HasInit reports whether the init segment is cached.
func (h *Hub) HasInit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initSegment != nil
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Broadcast forwards one box to every active subscriber that has
// received the init segment. Ordering is hub-arrival order. A freshly
// initialized subscriber starts at the next fragment boundary so that
// it never sees a partial moof+mdat pair.
func (h *Hub) Broadcast(box []byte) {
	isMoof := len(box) >= 8 &&
		box[4] == 'm' && box[5] == 'o' && box[6] == 'o' && box[7] == 'f'

	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers {
		if !sub.active || !sub.hasReceivedInit {
			continue
		}
		if !sub.mediaStarted {
			if !isMoof {
				continue
			}
			sub.mediaStarted = true
		}
		h.enqueue(sub, box)
	}
}

// DetachAll drops every subscriber without closing their sinks.
// Used on pipeline shutdown.
func (h *Hub) DetachAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscribers {
		delete(h.subscribers, sub)
		h.dropSub(sub)
	}
}

func (h *Hub) deliverInit(sub *Subscriber) {
	if !sub.active {
		return
	}
	sub.listenerAttached = true
	h.enqueue(sub, h.initSegment)
	sub.hasReceivedInit = true
}

// enqueue is fire-and-forget. A full queue means the subscriber
// cannot keep up and is dropped.
func (h *Hub) enqueue(sub *Subscriber, box []byte) {
	select {
	case sub.queue <- box:
	default:
		h.logf(log.LevelDebug, "hub: subscriber %v too slow, dropping", sub.ID)
		h.dropSub(sub)
	}
}

func (h *Hub) dropSub(sub *Subscriber) {
	if sub.active {
		sub.active = false
		close(sub.done)
	}
}
