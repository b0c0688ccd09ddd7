package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, keyed by JobID. It is used in
// tests to assert on the event sequence the planning and dispatch engines
// produced, and can serve as a lightweight in-process monitoring buffer.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // jobID -> events
}

// HistoryFilter narrows GetHistoryWithFilter results. Zero value matches
// everything. Multiple set fields combine with AND.
type HistoryFilter struct {
	TaskID string // empty = no filter
	Msg    string // empty = no filter
}

// NewBufferedEmitter returns an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends event under its JobID.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.JobID] = append(b.events[event.JobID], event)
}

// EmitBatch appends each event in order.
func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		b.events[event.JobID] = append(b.events[event.JobID], event)
	}
	return nil
}

// Flush is a no-op; BufferedEmitter has nothing external to deliver to.
func (b *BufferedEmitter) Flush(context.Context) error { return nil }

// GetHistory returns a copy of all events recorded for jobID, in emission
// order.
func (b *BufferedEmitter) GetHistory(jobID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[jobID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns a copy of the events for jobID that match
// filter.
func (b *BufferedEmitter) GetHistoryWithFilter(jobID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var result []Event
	for _, event := range b.events[jobID] {
		if filter.TaskID != "" && event.TaskID != filter.TaskID {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events for jobID, or all events if jobID is empty.
func (b *BufferedEmitter) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if jobID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, jobID)
}
