package eventlog

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is an in-process Backend implementation, analogous to the
// in-memory ledgers kept by the teacher control plane for tests and
// single-process deployments.
type MemoryBackend struct {
	mu      sync.RWMutex
	streams map[string][]Event
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{streams: make(map[string][]Event)}
}

func (b *MemoryBackend) Head(_ context.Context, streamID string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.streams[streamID]
	if len(events) == 0 {
		return "", false, nil
	}
	return events[len(events)-1].ChainHash, true, nil
}

func (b *MemoryBackend) Append(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.streams[e.StreamID]
	head := NullPrevHash
	if len(events) > 0 {
		head = events[len(events)-1].ChainHash
	}
	if head != e.PrevChainHash {
		return ErrChainConflict
	}
	b.streams[e.StreamID] = append(events, e)
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, streamID, eventID string) (*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.streams[streamID] {
		if e.ID == eventID {
			copied := e
			return &copied, nil
		}
	}
	return nil, ErrCursorNotFound
}

func (b *MemoryBackend) List(_ context.Context, streamID, sinceEventID, eventType string, limit, offset int) ([]Event, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	all := b.streams[streamID]
	headEventID := ""
	if len(all) > 0 {
		headEventID = all[len(all)-1].ID
	}

	startIdx := 0
	if sinceEventID != "" {
		found := false
		for i, e := range all {
			if e.ID == sinceEventID {
				startIdx = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, headEventID, ErrCursorNotFound
		}
	}

	var filtered []Event
	for _, e := range all[startIdx:] {
		if eventType != "" && e.Type != eventType {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].At.Before(filtered[j].At) })

	if offset > 0 {
		if offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[offset:]
		}
	}
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}

	return filtered, headEventID, nil
}
