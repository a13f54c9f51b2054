// Package stream fans deployment pipeline events out to live subscribers.
// Each active deployment owns one Broadcaster held in a process-wide
// Registry; a Broadcaster replays its backlog to late joiners and never lets
// a slow subscriber stall the publisher.
package stream

import (
	"log/slog"
	"sync"
	"time"
)

const defaultQueueSize = 256

// Subscription is one subscriber session. Events arrive on C in publish
// order, starting with the full backlog at subscribe time. C is closed when
// the session ends.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	dropped int
}

// Dropped reports how many events were discarded because the subscriber
// consumed too slowly.
func (s *Subscription) Dropped() int {
	return s.dropped
}

// Broadcaster multiplexes events for one deployment.
type Broadcaster struct {
	mu        sync.Mutex
	backlog   []Event
	subs      map[*Subscription]struct{}
	queueSize int
	finished  bool
	closed    bool
}

func newBroadcaster(queueSize int) *Broadcaster {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe returns a session whose channel is pre-loaded with the backlog
// and then receives live events. Subscribing after the terminal event drains
// the backlog and closes immediately.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.queueSize
	if need := len(b.backlog) + b.queueSize; need > size {
		size = need
	}
	sub := &Subscription{ch: make(chan Event, size)}
	sub.C = sub.ch
	for _, ev := range b.backlog {
		sub.ch <- ev
	}
	if b.finished {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe ends a session and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish appends the event to the backlog and delivers it to every current
// subscriber without blocking. Publishing after the terminal event is a
// no-op.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.backlog = append(b.backlog, ev)
	for sub := range b.subs {
		b.push(sub, ev)
	}
	if ev.TerminalStatus() {
		b.finishLocked()
	}
}

// push delivers one event, dropping the oldest queued event when the
// subscriber's buffer is full. The publisher never blocks here.
func (b *Broadcaster) push(sub *Subscription, ev Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
		}
	}
}

// finishLocked seals the broadcaster: live sessions are closed once their
// queued events drain and future publishes are ignored. The backlog stays
// available for straggling subscribers until the registry discards it.
func (b *Broadcaster) finishLocked() {
	b.finished = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Finished reports whether the terminal event has been published.
func (b *Broadcaster) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// Backlog returns a copy of the events published so far.
func (b *Broadcaster) Backlog() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.backlog))
	copy(out, b.backlog)
	return out
}

func (b *Broadcaster) discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.backlog = nil
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Registry owns the broadcaster per active deployment. Broadcasters are
// created explicitly when a pipeline starts and discarded a grace period
// after the terminal event so stragglers can still fetch the backlog.
type Registry struct {
	mu           sync.Mutex
	broadcasters map[int64]*Broadcaster
	queueSize    int
	grace        time.Duration
	logger       *slog.Logger

	afterFunc func(time.Duration, func()) *time.Timer
}

// NewRegistry constructs a Registry.
func NewRegistry(queueSize int, grace time.Duration, logger *slog.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Registry{
		broadcasters: make(map[int64]*Broadcaster),
		queueSize:    queueSize,
		grace:        grace,
		logger:       logger,
		afterFunc:    time.AfterFunc,
	}
}

// Open creates (or returns) the broadcaster for a deployment.
func (r *Registry) Open(deploymentID int64) *Broadcaster {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.broadcasters[deploymentID]; ok {
		return b
	}
	b := newBroadcaster(r.queueSize)
	r.broadcasters[deploymentID] = b
	return b
}

// Lookup returns the broadcaster for a deployment when one exists.
func (r *Registry) Lookup(deploymentID int64) (*Broadcaster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasters[deploymentID]
	return b, ok
}

// Publish delivers an event to the deployment's broadcaster if it is open.
// When the event carries a terminal status the broadcaster is scheduled for
// teardown after the grace period.
func (r *Registry) Publish(deploymentID int64, ev Event) {
	b, ok := r.Lookup(deploymentID)
	if !ok {
		return
	}
	b.Publish(ev)
	if ev.TerminalStatus() {
		r.scheduleTeardown(deploymentID, b)
	}
}

func (r *Registry) scheduleTeardown(deploymentID int64, b *Broadcaster) {
	remove := func() {
		r.mu.Lock()
		if current, ok := r.broadcasters[deploymentID]; ok && current == b {
			delete(r.broadcasters, deploymentID)
		}
		r.mu.Unlock()
		b.discard()
		if r.logger != nil {
			r.logger.Debug("stream torn down", "deployment_id", deploymentID)
		}
	}
	if r.grace <= 0 {
		remove()
		return
	}
	r.afterFunc(r.grace, remove)
}
