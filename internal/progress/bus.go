// Package progress is the in-process pub/sub bus (C9): one topic per study
// UID, publishing RetrieveJob snapshots to every subscriber in publish
// order with guaranteed terminal delivery. No teacher equivalent exists
// (the teacher has no async progress concept); channel-based pub/sub is
// the idiomatic Go shape for this, the way every worker-pool/fan-out
// pattern in the broader pack uses buffered channels plus a mutex-guarded
// subscriber registry.
package progress

import (
	"sync"

	"github.com/dicom-gateway/gateway/internal/models"
)

// queueDepth bounds each subscriber's channel. Publish never drops the
// terminal snapshot: if the channel is full, intermediate snapshots are
// coalesced (the oldest queued snapshot is dropped and replaced) rather
// than blocking the publisher, which would let a slow subscriber stall the
// orchestrator.
const queueDepth = 32

// Subscription is a live subscriber handle. Callers range over Snapshots()
// until it closes, which happens only after the terminal snapshot has been
// delivered.
type Subscription struct {
	ch     chan models.RetrieveJob
	bus    *Bus
	topic  string
	closed bool
	mu     sync.Mutex
}

func (s *Subscription) Snapshots() <-chan models.RetrieveJob { return s.ch }

// Close unsubscribes early (e.g. caller gave up waiting); safe to call
// after natural closure.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.topic, s)
}

// Bus is a topic-indexed, in-process publish/subscribe registry.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

// Subscribe registers a new subscription to topic (a studyUID). The
// returned Subscription must eventually be drained or Closed.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan models.RetrieveJob, queueDepth), bus: b, topic: topic}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish is non-blocking: it delivers msg to every current subscriber of
// topic, coalescing into the channel if full, and closes+removes the
// subscription once a terminal snapshot has been delivered.
func (b *Bus) Publish(topic string, msg models.RetrieveJob) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs[topic]...)
	b.mu.Unlock()

	terminal := msg.Status.Terminal()
	for _, sub := range subs {
		sub.deliver(msg)
		if terminal {
			b.unsubscribe(topic, sub)
		}
	}
}

func (s *Subscription) deliver(msg models.RetrieveJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- msg:
			if msg.Status.Terminal() {
				close(s.ch)
				s.closed = true
			}
			return
		default:
			// Channel full: drop the oldest queued (non-terminal by
			// construction, since a terminal snapshot always triggers
			// immediate unsubscribe) snapshot to make room, guaranteeing
			// this delivery — and in particular any terminal delivery —
			// never blocks the publisher.
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (b *Bus) unsubscribe(topic string, target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target.mu.Lock()
	if !target.closed {
		target.closed = true
		close(target.ch)
	}
	target.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s == target {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}
