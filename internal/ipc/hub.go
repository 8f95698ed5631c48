/**
 * CONTEXT:   Per-connection bounded subscription fan-out for the IPC server
 * INPUT:     Published snapshots on topics (sessions, project_states, shells, health)
 * OUTPUT:    Notification lines delivered to subscribed connections, or a drop sentinel
 * BUSINESS:  "If a subscriber cannot keep up, its buffer is replaced by a single
 *             you-missed-updates sentinel" (spec.md §4.6) — slow readers never block publishers
 * CHANGE:    New component; the teacher has no streaming equivalent to generalize from
 * RISK:      Medium - a stuck subscriber must never back-pressure the Reducer's publish path
 */
package ipc

import "sync"

// droppedSentinel is delivered in place of a backlog once a subscriber's
// buffer overflows; the client is expected to re-query rather than trust
// the stream until it resubscribes.
const droppedSentinel = "__dropped__"

type subscriber struct {
	id     int64
	topics map[string]bool
	ch     chan Notification
	once   sync.Once
	closed chan struct{}
}

func newSubscriber(id int64, topics []string, bufSize int) *subscriber {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &subscriber{
		id:     id,
		topics: set,
		ch:     make(chan Notification, bufSize),
		closed: make(chan struct{}),
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// deliver enqueues n for this subscriber if subscribed, replacing the
// pending backlog with a single drop sentinel on overflow instead of
// blocking the publisher.
func (s *subscriber) deliver(n Notification) {
	if !s.topics[n.Topic] {
		return
	}
	select {
	case s.ch <- n:
		return
	default:
	}
	// Buffer is full: drain it and enqueue only the sentinel, so the
	// subscriber's next read tells it to re-query instead of replaying a
	// stale backlog.
	drain(s.ch)
	sentinel := Notification{Topic: n.Topic, Seq: n.Seq, Data: droppedSentinel}
	select {
	case s.ch <- sentinel:
	default:
	}
}

func drain(ch chan Notification) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// Hub tracks every subscribed connection and fans out published snapshots.
type Hub struct {
	mu      sync.Mutex
	nextID  int64
	subs    map[int64]*subscriber
	seq     map[string]int64
	bufSize int
}

func NewHub(bufSize int) *Hub {
	return &Hub{subs: make(map[int64]*subscriber), seq: make(map[string]int64), bufSize: bufSize}
}

// Subscribe registers a new subscriber for topics and returns its receive
// channel plus an unsubscribe function.
func (h *Hub) Subscribe(topics []string) (<-chan Notification, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	sub := newSubscriber(id, topics, h.bufSize)
	h.subs[id] = sub
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.close()
	}
}

// Publish fans data out to every subscriber of topic, assigning the next
// sequence number for that topic.
func (h *Hub) Publish(topic string, data interface{}) {
	h.mu.Lock()
	h.seq[topic]++
	seq := h.seq[topic]
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	n := Notification{Topic: topic, Seq: seq, Data: data}
	for _, s := range targets {
		s.deliver(n)
	}
}
