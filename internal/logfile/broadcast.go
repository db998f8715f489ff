package logfile

import "sync"

// BroadcastCapacity is the per-subscriber channel buffer. Slow subscribers
// that fall more than this far behind lose lines instead of blocking the
// copier.
const BroadcastCapacity = 1024

// Stream identifies which child pipe a log line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Entry is one trimmed log line delivered to live subscribers.
type Entry struct {
	Stream Stream
	Line   string
}

// Broadcaster fans live log lines out to any number of subscribers.
// Publishing never blocks: a subscriber whose buffer is full silently
// drops the line.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one subscriber's view of a broadcaster. Receive from C;
// the channel is closed when the broadcaster shuts down.
type Subscription struct {
	C chan Entry
	b *Broadcaster
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan Entry, BroadcastCapacity), b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.C)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription from the broadcaster.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s]; ok {
		delete(s.b.subs, s)
		close(s.C)
	}
}

// Publish delivers an entry to every subscriber, best effort.
func (b *Broadcaster) Publish(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.C <- e:
		default:
			// lagged subscriber, drop
		}
	}
}

// Close shuts the broadcaster down and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.C)
	}
	b.subs = make(map[*Subscription]struct{})
}
