// Package events implements the per-run broadcast bus. Publishers never
// block: each subscriber owns an unbounded ordered queue drained by its own
// goroutine, so a slow consumer cannot stall the scheduler or reorder the
// stream.
package events

import (
	"sync"

	"github.com/planexec/planexec/pkg/models"
)

// Bus broadcasts run events to subscribers keyed by runID. The bus owns
// the live subscriber queues exclusively; history persistence is the
// caller's concern.
type Bus struct {
	mu   sync.Mutex
	runs map[string]*topic
}

type topic struct {
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{runs: make(map[string]*topic)}
}

// Subscribe registers a new subscriber for the run. Subscribing to an
// already-closed run yields a subscription whose channel is closed
// immediately.
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := newSubscription(runID)

	b.mu.Lock()
	t := b.runs[runID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.runs[runID] = t
	}
	if t.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	t.subs[sub] = struct{}{}
	sub.detach = func() { b.unsubscribe(runID, sub) }
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(runID string, sub *Subscription) {
	b.mu.Lock()
	if t := b.runs[runID]; t != nil {
		delete(t.subs, sub)
	}
	b.mu.Unlock()
}

// Publish stamps the event with the run's next sequence number and
// enqueues it on every subscriber. It returns the stamped event.
func (b *Bus) Publish(runID string, ev models.RunEvent) models.RunEvent {
	b.mu.Lock()
	t := b.runs[runID]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.runs[runID] = t
	}
	if t.closed {
		b.mu.Unlock()
		return ev
	}
	t.seq++
	ev.Sequence = t.seq
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
	return ev
}

// CloseRun terminates all subscriptions of the run and drops its topic
// state. Subsequent publishes for the run are discarded.
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	t := b.runs[runID]
	if t == nil || t.closed {
		b.mu.Unlock()
		return
	}
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// Subscription is one consumer's ordered view of a run's events.
//
// Two close paths exist: the bus closing a run lets queued events drain to
// the consumer before the channel closes; the consumer calling Close
// abandons the queue so the drain goroutine never blocks on a reader that
// has gone away.
type Subscription struct {
	runID  string
	out    chan models.RunEvent
	dead   chan struct{}
	detach func()

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []models.RunEvent
	closed    bool
	abandoned bool
}

func newSubscription(runID string) *Subscription {
	s := &Subscription{
		runID: runID,
		out:   make(chan models.RunEvent),
		dead:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

// RunID returns the run the subscription observes.
func (s *Subscription) RunID() string { return s.runID }

// Events returns the ordered event channel. The channel is closed when the
// subscription closes and the queue has drained.
func (s *Subscription) Events() <-chan models.RunEvent { return s.out }

// Close detaches the subscription from the bus, drops undelivered events,
// and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	if s.detach != nil {
		s.detach()
	}
	s.mu.Lock()
	if !s.abandoned {
		s.abandoned = true
		close(s.dead)
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription) enqueue(ev models.RunEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
	s.mu.Unlock()
}

// close is the bus-side termination: pending events still drain.
func (s *Subscription) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.abandoned || (len(s.queue) == 0 && s.closed) {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.dead:
			return
		}
	}
}
