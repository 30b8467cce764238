package events

import (
	"testing"
	"time"

	"github.com/planexec/planexec/pkg/models"
)

func collect(t *testing.T, sub *Subscription, n int) []models.RunEvent {
	t.Helper()
	var got []models.RunEvent
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(got), n)
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription channel never closed")
		}
	}
}

func TestPublishStampsMonotonicSequences(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("r1")
	defer sub.Close()

	for i := 0; i < 3; i++ {
		stamped := b.Publish("r1", models.NewRunEvent("r1", models.EventToolResult))
		if stamped.Sequence != uint64(i+1) {
			t.Errorf("publish %d stamped sequence %d", i, stamped.Sequence)
		}
	}

	got := collect(t, sub, 3)
	for i, ev := range got {
		if ev.Sequence != uint64(i+1) {
			t.Errorf("delivered event %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestSequencesAreIndependentPerRun(t *testing.T) {
	b := NewBus()
	b.Publish("a", models.NewRunEvent("a", models.EventStart))
	ev := b.Publish("b", models.NewRunEvent("b", models.EventStart))
	if ev.Sequence != 1 {
		t.Errorf("run b first sequence = %d, want 1", ev.Sequence)
	}
}

func TestMultipleSubscribersSeeEveryEvent(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe("r2")
	s2 := b.Subscribe("r2")
	defer s1.Close()
	defer s2.Close()

	b.Publish("r2", models.NewRunEvent("r2", models.EventPlan))
	b.Publish("r2", models.NewRunEvent("r2", models.EventDone))

	for _, sub := range []*Subscription{s1, s2} {
		got := collect(t, sub, 2)
		if got[0].Type != models.EventPlan || got[1].Type != models.EventDone {
			t.Errorf("delivery order wrong: %s, %s", got[0].Type, got[1].Type)
		}
	}
}

func TestCloseRunDrainsThenCloses(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("r3")
	b.Publish("r3", models.NewRunEvent("r3", models.EventSummary))
	b.CloseRun("r3")

	got := collect(t, sub, 1)
	if got[0].Type != models.EventSummary {
		t.Errorf("queued event lost on close: %s", got[0].Type)
	}
	waitClosed(t, sub)
}

func TestSubscribeAfterCloseRunYieldsClosedChannel(t *testing.T) {
	b := NewBus()
	b.Publish("r4", models.NewRunEvent("r4", models.EventStart))
	b.CloseRun("r4")

	sub := b.Subscribe("r4")
	waitClosed(t, sub)
}

func TestPublishAfterCloseRunIsDiscarded(t *testing.T) {
	b := NewBus()
	b.CloseRun("r5")
	ev := b.Publish("r5", models.NewRunEvent("r5", models.EventDone))
	if ev.Sequence != 0 {
		t.Errorf("discarded publish should not be stamped, got %d", ev.Sequence)
	}
}

func TestConsumerCloseDoesNotBlockPublisher(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("r6")
	// Nobody reads sub.Events(); publishing must still return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("r6", models.NewRunEvent("r6", models.EventToolResult))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on an unread subscriber")
	}
	sub.Close()
	waitClosed(t, sub)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("r7")
	sub.Close()
	sub.Close()
	b.CloseRun("r7")
	b.CloseRun("r7")
}
