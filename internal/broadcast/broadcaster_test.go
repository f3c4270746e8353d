package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *captureLogger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func collect(ch <-chan Line, n int, t *testing.T) []Line {
	t.Helper()
	out := make([]Line, 0, n)
	for len(out) < n {
		select {
		case line := <-ch:
			out = append(out, line)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d lines", len(out), n)
		}
	}
	return out
}

func TestSubscriberAfterNPublishesReceivesExactBacklog(t *testing.T) {
	t.Parallel()

	b := New(WithLogger(&captureLogger{}))
	for i := 0; i < 5; i++ {
		b.Publish(Line{Text: fmt.Sprintf("line %d", i)})
	}

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	got := collect(ch, 5, t)
	for i, line := range got {
		if want := fmt.Sprintf("line %d", i); line.Text != want {
			t.Fatalf("line[%d] = %q, want %q", i, line.Text, want)
		}
	}

	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra line: %#v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEarlySubscriberReceivesLiveLinesInOrder(t *testing.T) {
	t.Parallel()

	b := New(WithLogger(&captureLogger{}))
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	for i := 0; i < 3; i++ {
		b.Publish(Line{Text: fmt.Sprintf("live %d", i)})
	}

	got := collect(ch, 3, t)
	for i, line := range got {
		if want := fmt.Sprintf("live %d", i); line.Text != want {
			t.Fatalf("line[%d] = %q, want %q", i, line.Text, want)
		}
	}
}

func TestMidRunSubscriberSeesGapFreePrefix(t *testing.T) {
	t.Parallel()

	b := New(WithLogger(&captureLogger{}))
	b.Publish(Line{Text: "before 0"})
	b.Publish(Line{Text: "before 1", Stderr: true})

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Publish(Line{Text: "after 0"})

	got := collect(ch, 3, t)
	want := []Line{
		{Text: "before 0"},
		{Text: "before 1", Stderr: true},
		{Text: "after 0"},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line[%d] = %#v, want %#v", i, got[i], want[i])
		}
	}
}

func TestResetClearsBacklogButKeepsSubscribers(t *testing.T) {
	t.Parallel()

	b := New(WithLogger(&captureLogger{}))
	b.Publish(Line{Text: "old run"})

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)
	collect(ch, 1, t)

	b.Reset()
	if lines := b.Lines(); len(lines) != 0 {
		t.Fatalf("backlog after reset = %d lines, want 0", len(lines))
	}

	b.Publish(Line{Text: "new run"})
	got := collect(ch, 1, t)
	if got[0].Text != "new run" {
		t.Fatalf("line = %q, want new run", got[0].Text)
	}

	lateID, lateCh := b.Subscribe()
	defer b.Unsubscribe(lateID)
	late := collect(lateCh, 1, t)
	if late[0].Text != "new run" {
		t.Fatalf("late subscriber line = %q, want new run", late[0].Text)
	}
}

func TestSlowSubscriberDropsWithWarning(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	b := New(WithLogger(logger), WithHeadroom(1))

	id, _ := b.Subscribe()
	defer b.Unsubscribe(id)

	b.Publish(Line{Text: "first"})
	b.Publish(Line{Text: "second"})

	if logger.count() == 0 {
		t.Fatal("expected dropped-line warning for slow subscriber")
	}
	if lines := b.Lines(); len(lines) != 2 {
		t.Fatalf("backlog = %d lines, want 2 despite drop", len(lines))
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New(WithLogger(&captureLogger{}))
	id, _ := b.Subscribe()
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.Publish(Line{Text: "still fine"})
}
