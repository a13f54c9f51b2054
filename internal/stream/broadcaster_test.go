package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/trymist/Mist/internal/domain"
)

func statusEvent(id int64, status domain.DeploymentStatus, progress int) Event {
	return NewStatusEvent(domain.Deployment{ID: id, Status: status, Progress: progress})
}

func logEvent(line string) Event {
	return NewLogEvent(domain.LogEntry{Line: line, Stream: domain.StreamStdout})
}

func collect(sub *Subscription, n int, t *testing.T) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestLateJoinerReceivesBacklogThenLiveTail(t *testing.T) {
	b := newBroadcaster(16)
	for i := 0; i < 5; i++ {
		b.Publish(logEvent(fmt.Sprintf("line %d", i)))
	}

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(logEvent("line 5"))
	b.Publish(logEvent("line 6"))

	events := collect(sub, 7, t)
	for i, ev := range events {
		payload := ev.Data.(LogPayload)
		want := fmt.Sprintf("line %d", i)
		if payload.Line != want {
			t.Fatalf("event %d: expected %q, got %q", i, want, payload.Line)
		}
	}
	if sub.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", sub.Dropped())
	}
}

func TestEachSubscriptionReplaysFullBacklog(t *testing.T) {
	b := newBroadcaster(16)
	b.Publish(logEvent("one"))
	b.Publish(logEvent("two"))

	first := b.Subscribe()
	second := b.Subscribe()
	defer b.Unsubscribe(first)
	defer b.Unsubscribe(second)

	for _, sub := range []*Subscription{first, second} {
		events := collect(sub, 2, t)
		if events[0].Data.(LogPayload).Line != "one" || events[1].Data.(LogPayload).Line != "two" {
			t.Fatal("backlog replay out of order")
		}
	}
}

func TestSlowSubscriberNeverBlocksPublisher(t *testing.T) {
	b := newBroadcaster(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(logEvent(fmt.Sprintf("line %d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	if sub.Dropped() == 0 {
		t.Fatal("expected drops on an unread subscriber queue")
	}
}

func TestTerminalStatusSealsBroadcaster(t *testing.T) {
	b := newBroadcaster(16)
	sub := b.Subscribe()

	b.Publish(logEvent("building"))
	b.Publish(statusEvent(1, domain.StatusSuccess, 100))
	if !b.Finished() {
		t.Fatal("expected broadcaster to be finished after terminal status")
	}

	// Publishing after the terminal event is ignored.
	b.Publish(logEvent("ghost"))

	var got []Event
	for ev := range sub.C {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 events then close, got %d", len(got))
	}
	if !got[1].TerminalStatus() {
		t.Fatal("expected last event to be the terminal status")
	}
}

func TestSubscribeAfterTerminalDrainsBacklogAndCloses(t *testing.T) {
	b := newBroadcaster(16)
	b.Publish(logEvent("one"))
	b.Publish(statusEvent(1, domain.StatusFailed, 40))

	sub := b.Subscribe()
	events := collect(sub, 2, t)
	if events[0].Data.(LogPayload).Line != "one" {
		t.Fatal("expected backlog replay for straggler")
	}
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected closed channel after backlog drain")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed for straggler session")
	}
}

func TestRegistryTeardownAfterGrace(t *testing.T) {
	reg := NewRegistry(16, time.Millisecond, nil)

	var fired func()
	reg.afterFunc = func(_ time.Duration, fn func()) *time.Timer {
		fired = fn
		return nil
	}

	b := reg.Open(7)
	reg.Publish(7, logEvent("one"))
	reg.Publish(7, statusEvent(7, domain.StatusSuccess, 100))

	if _, ok := reg.Lookup(7); !ok {
		t.Fatal("broadcaster should survive until the grace period expires")
	}
	if len(b.Backlog()) != 2 {
		t.Fatalf("expected backlog retained during grace, got %d events", len(b.Backlog()))
	}

	if fired == nil {
		t.Fatal("teardown was not scheduled")
	}
	fired()
	if _, ok := reg.Lookup(7); ok {
		t.Fatal("broadcaster should be discarded after the grace period")
	}
	if len(b.Backlog()) != 0 {
		t.Fatal("backlog should be discarded with the broadcaster")
	}
}

func TestRegistryOpenIsIdempotent(t *testing.T) {
	reg := NewRegistry(16, time.Minute, nil)
	if reg.Open(1) != reg.Open(1) {
		t.Fatal("expected one broadcaster per deployment id")
	}
}

func TestRegistryPublishUnknownDeployment(t *testing.T) {
	reg := NewRegistry(16, time.Minute, nil)
	// Must not panic or create state implicitly.
	reg.Publish(99, logEvent("orphan"))
	if _, ok := reg.Lookup(99); ok {
		t.Fatal("publish must not implicitly create a broadcaster")
	}
}
