// Package bus is the in-process event bus the gateway uses to report what it is
// doing (turns, engine state, cron fires, rejected messages) to observers such
// as the status dashboard, metrics and the admin API. It is not on the message
// path: losing an event never loses a chat message.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus. At is stamped by Publish.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription receives the events whose topic starts with one of its
// prefixes. No prefixes means every topic.
type Subscription struct {
	id       uint64
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the subscriber lagged.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	now    func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscribe creates a subscription for one topic prefix. An empty prefix
// matches all topics. Slow consumers miss events rather than blocking
// publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit channel buffer.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if topicPrefix == "" {
		return b.SubscribeMatching(size)
	}
	return b.SubscribeMatching(size, topicPrefix)
}

// SubscribeMatching subscribes to every topic that starts with any of
// prefixes. Empty prefixes are ignored; none at all matches everything.
func (b *Bus) SubscribeMatching(size int, prefixes ...string) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	var keep []string
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			keep = append(keep, p)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: keep,
		ch:       make(chan Event, size),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. It is safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
// A nil Bus is a valid no-op publisher.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
