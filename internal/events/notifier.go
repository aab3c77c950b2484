// Package events provides an in-process bus that announces scheme changes
// to watchers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind is the type of a notification.
type Kind int

const (
	// SchemeEvolved follows a committed scheme change made by this process.
	SchemeEvolved Kind = iota
	// TableReloaded follows a reload after another writer moved the table
	// to a newer catalog version.
	TableReloaded
)

func (k Kind) String() string {
	switch k {
	case SchemeEvolved:
		return "scheme_evolved"
	case TableReloaded:
		return "table_reloaded"
	}
	return "unknown"
}

// Notification announces that a table now serves Version.
type Notification struct {
	Kind        Kind
	Table       string
	Version     int64
	Operation   string
	Fingerprint string
	Partitions  int
	Timestamp   int64
}

// Notifier fans notifications out to subscribers.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
	dropped     atomic.Int64
}

// NewNotifier creates a notifier whose subscriber channels hold
// bufferSize notifications.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Notifier{bufferSize: bufferSize}
}

// Publish delivers notif to every subscriber watching its table. It never
// blocks: a subscriber whose channel is full misses the notification.
func (n *Notifier) Publish(notif Notification) {
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if !sub.watches(notif.Table) {
			return true
		}
		if !sub.deliver(notif) {
			n.dropped.Add(1)
		}
		return true
	})
}

// Subscribe registers a subscriber for the given tables, or for every
// table when none are given.
func (n *Notifier) Subscribe(tables ...string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		Tables: tables,
		Ch:     make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids
// are ignored.
func (n *Notifier) Unsubscribe(id string) {
	if value, ok := n.subscribers.LoadAndDelete(id); ok {
		value.(*Subscriber).close()
	}
}

// Subscribers returns the number of live subscribers.
func (n *Notifier) Subscribers() int {
	count := 0
	n.subscribers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Dropped returns how many deliveries were skipped because a subscriber
// was not keeping up.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Subscriber receives notifications on Ch until unsubscribed.
type Subscriber struct {
	ID     string
	Tables []string
	Ch     chan Notification

	// mu orders sends against close.
	mu     sync.RWMutex
	closed bool
}

// deliver reports false when the channel is full.
func (s *Subscriber) deliver(notif Notification) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.Ch <- notif:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Ch)
	}
}

func (s *Subscriber) watches(table string) bool {
	if len(s.Tables) == 0 {
		return true
	}
	for _, t := range s.Tables {
		if t == table {
			return true
		}
	}
	return false
}
