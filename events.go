package onionshare

import (
	"sync"
	"time"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventStateChange is sent for every state transition. Event.State is the new
	// state, Event.Err the failure or stop reason, if any.
	EventStateChange EventKind = iota

	// EventHistory is sent when a history entry is created or changes status.
	EventHistory

	// EventArchiveProgress reports bytes of a zip archive built for a download.
	EventArchiveProgress

	// EventLockout is sent when too many wrong slugs locked the session.
	EventLockout

	// EventConnectionLost is sent when the control connection broke while the
	// session was published. The session stays published.
	EventConnectionLost

	// EventLegacyKey is sent when the session uses an RSA1024 key.
	EventLegacyKey
)

func (k EventKind) String() string {
	switch k {
	case EventStateChange:
		return "state"
	case EventHistory:
		return "history"
	case EventArchiveProgress:
		return "archive-progress"
	case EventLockout:
		return "lockout"
	case EventConnectionLost:
		return "connection-lost"
	case EventLegacyKey:
		return "legacy-key"
	}
	return "unknown"
}

// Event is a notification from a session, for a front-end.
type Event struct {
	Kind EventKind
	Time time.Time

	State   State
	History *HistoryEntry
	Err     error

	// Address is set on the transition to StatePublished.
	Address string

	// ID of the history entry of the download, and the number of bytes
	// processed for its archive, for EventArchiveProgress.
	ID    int64
	Bytes int64
}

// eventQueue delivers events in order on a channel without ever blocking the
// sender. The channel is closed after the final event. Delivery starts with the
// first call to channel, until then events are only queued.
type eventQueue struct {
	c    chan Event
	once sync.Once

	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		c:      make(chan Event),
		signal: make(chan struct{}, 1),
	}
}

func (q *eventQueue) channel() <-chan Event {
	q.once.Do(func() {
		go q.pump()
	})
	return q.c
}

func (q *eventQueue) send(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.queue = append(q.queue, e)
	q.wake()
}

// close ends the channel after the queued events.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	for range q.signal {
		for {
			q.mu.Lock()
			if len(q.queue) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					close(q.c)
					return
				}
				break
			}
			e := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()

			q.c <- e
		}
	}
}
