// Package streaming provides in-memory pub/sub for task lifecycle events,
// consumed by the SSE and WebSocket endpoints. Events are keyed by the root
// task id so a subscriber sees the whole tree of one query.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fathom-engine/fathom/internal/metrics"
)

// Event types emitted over a task's lifetime.
const (
	EventTaskSpawned  = "task_spawned"
	EventTaskStatus   = "task_status"
	EventTaskRecursed = "task_recursed"
	EventTaskReduced  = "task_reduced"
	EventBudgetDenied = "budget_denied"
	EventQueryDone    = "query_done"
)

// Event is one task lifecycle notification. RootTaskID is the subscription
// key; TaskID identifies the node in the tree the event is about.
type Event struct {
	RootTaskID string    `json:"root_task_id"`
	TaskID     string    `json:"task_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status,omitempty"`
	Depth      int       `json:"depth"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Seq        uint64    `json:"seq"`
}

// Marshal returns the event as JSON for SSE payloads.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans events out to subscribers and keeps a per-query ring buffer
// so reconnecting clients can replay what they missed.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe registers a buffered channel for rootTaskID. The caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(rootTaskID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[rootTaskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[rootTaskID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(rootTaskID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[rootTaskID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, rootTaskID)
		}
	}
}

// Publish assigns a sequence number, records the event for replay, and
// delivers it to subscribers without blocking. Slow subscribers drop events;
// they can recover via ReplaySince.
//
// Delivery happens under the lock: the sends never block, and Unsubscribe
// closes channels under the same lock, so a subscriber disconnecting
// mid-publish can never see a send on its closed channel.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	rg := m.history[evt.RootTaskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.RootTaskID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	for ch := range m.subscribers[evt.RootTaskID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()

	metrics.StreamEventsPublished.Inc()
}

// ReplaySince returns buffered events with Seq > since, oldest first.
// Best effort: events older than the ring capacity are gone.
func (m *Manager) ReplaySince(rootTaskID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[rootTaskID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the history for a finished query.
func (m *Manager) Forget(rootTaskID string) {
	m.mu.Lock()
	delete(m.history, rootTaskID)
	m.mu.Unlock()
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
