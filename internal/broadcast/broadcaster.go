package broadcast

import (
	"log"
	"sync"
)

// DefaultHeadroom is the live-delivery capacity added on top of the
// replayed backlog for each subscriber channel.
const DefaultHeadroom = 1024

// Line is one log line captured from the engine's output streams.
type Line struct {
	Text   string `json:"text"`
	Stderr bool   `json:"stderr,omitempty"`
}

// Logger captures warning logs for dropped lines.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes broadcaster construction.
type Option func(*Broadcaster)

// WithHeadroom configures per-subscriber live-delivery capacity.
func WithHeadroom(size int) Option {
	return func(b *Broadcaster) {
		if size > 0 {
			b.headroom = size
		}
	}
}

// WithLogger configures the log sink used for dropped-line warnings.
func WithLogger(logger Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Broadcaster fans log lines out to every subscriber. New subscribers
// receive a replay of the full buffered backlog followed by live lines,
// with no gap and no duplication: the backlog is copied into the
// subscriber channel under the same lock that registers it for live
// delivery. The buffer is cleared only by Reset at the start of a run.
type Broadcaster struct {
	mu       sync.Mutex
	headroom int
	logger   Logger
	buffer   []Line
	subs     map[uint64]chan Line
	nextSub  uint64
}

// New creates a broadcaster with optional configuration.
func New(options ...Option) *Broadcaster {
	b := &Broadcaster{
		headroom: DefaultHeadroom,
		logger:   log.Default(),
		subs:     make(map[uint64]chan Line),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Subscribe registers an observer. The returned channel first yields the
// current backlog, then live lines. It is closed on Unsubscribe.
func (b *Broadcaster) Subscribe() (uint64, <-chan Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	id := b.nextSub
	ch := make(chan Line, len(b.buffer)+b.headroom)
	for _, line := range b.buffer {
		ch <- line
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes an observer and closes its channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish appends a line to the backlog and delivers it to every current
// subscriber. A subscriber that cannot keep up loses the line and a
// warning is logged.
func (b *Broadcaster) Publish(line Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer = append(b.buffer, line)
	for id, ch := range b.subs {
		select {
		case ch <- line:
		default:
			b.logger.Printf("broadcast: dropping line for subscriber=%d", id)
		}
	}
}

// Reset clears the backlog. Called at the start of a new run; existing
// subscribers keep receiving live lines from the new run.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = nil
}

// Lines returns a copy of the current backlog.
func (b *Broadcaster) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Line, len(b.buffer))
	copy(out, b.buffer)
	return out
}
