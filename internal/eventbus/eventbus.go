// Package eventbus is the single in-process publish point every component
// funnels its events through (REDESIGN FLAGS: "per-component event emission
// directly to renderer channels" → one bus, one adapter). Grounded on the
// bounded, non-blocking channel-send idiom used throughout the session
// watcher example (select with a default case to avoid blocking producers).
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Name enumerates the outbound event names from spec.md §6.
type Name string

const (
	AgentRegistered             Name = "agent-registered"
	AgentUnregistered           Name = "agent-unregistered"
	AgentHeartbeat              Name = "agent-heartbeat"
	AgentStatusChanged          Name = "agent-status-changed"
	SessionReported             Name = "session-reported"
	SessionUpdated              Name = "session-updated"
	SessionClosed               Name = "session-closed"
	ActivityReported            Name = "activity-reported"
	FileChanged                 Name = "file-changed"
	CommitTriggered              Name = "commit-triggered"
	CommitCompleted             Name = "commit-completed"
	ConflictDetected             Name = "conflict-detected"
	LockChanged                 Name = "lock-changed"
	RebaseWatcherStatus         Name = "rebase-watcher-status"
	RebaseRemoteChangesDetected Name = "rebase-remote-changes-detected"
	RebaseAutoCompleted         Name = "rebase-auto-completed"
	OrphanedSessionsFound       Name = "orphaned-sessions-found"
	InstanceRecovered           Name = "instance-recovered"
)

// DefaultCapacity is the default bound on each subscriber's queue (§5 back-pressure).
const DefaultCapacity = 1024

// Event is one published message, carrying a monotonically increasing
// sequence number so consumers can detect gaps under at-least-once delivery.
type Event struct {
	Seq     uint64
	Name    Name
	Payload any
	At      time.Time
}

// Bus fans out published events to every current subscriber. Observation
// events (Publish) are dropped-oldest on a full subscriber queue; command
// events (PublishCommand) block the publisher until the slowest subscriber
// has room, subject to ctx cancellation.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextSubID   int
	seq         atomic.Uint64
	capacity    int
}

// New creates a Bus with the given per-subscriber channel capacity. A
// capacity of 0 uses DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subscribers: make(map[int]chan Event),
		capacity:    capacity,
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed when Unsubscribe is called.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan Event, b.capacity)
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish sends an observation event to every subscriber. If a subscriber's
// queue is full, the oldest queued event is dropped to make room — it will
// be reflected again on the next state read from disk, per §5.
func (b *Bus) Publish(name Name, payload any) uint64 {
	seq := b.seq.Add(1)
	evt := Event{Seq: seq, Name: name, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Queue full: drop the oldest queued event, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
				// Still full (concurrent producer won the race); drop this send.
			}
		}
	}
	return seq
}

// PublishCommand sends a command event to every subscriber, blocking until
// each has room or ctx is done. Command events are never dropped — a full
// queue applies back-pressure to the publisher instead.
func (b *Bus) PublishCommand(ctx context.Context, name Name, payload any) (uint64, error) {
	seq := b.seq.Add(1)
	evt := Event{Seq: seq, Name: name, Payload: payload, At: time.Now()}

	b.mu.RLock()
	chans := make([]chan Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- evt:
		case <-ctx.Done():
			return seq, ctx.Err()
		}
	}
	return seq, nil
}

// SubscriberCount returns the current number of active subscribers (test/debug use).
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
