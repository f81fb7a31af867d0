// Package journal keeps a bounded in-memory history of span lifecycle
// outcomes for inspection. Every dispatch the coordinator handles produces
// one entry: what request it was, which span it touched, and how the span
// left the dispatch. The journal is the first place to look when a trace is
// missing a span or a span shows up twice.
package journal

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry records the outcome of one dispatch.
type Entry struct {
	// ID is the unique identifier for the journal entry.
	ID string `json:"id"`

	// Timestamp is when the dispatch finished.
	Timestamp time.Time `json:"timestamp"`

	// Method and Path identify the request.
	Method string `json:"method"`
	Path   string `json:"path"`

	// Status is the response status recorded when the dispatch finished.
	Status int `json:"status"`

	// TraceID and SpanID identify the span the dispatch worked on.
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId"`

	// State is the dispatch state seen on entry (fresh, continued,
	// error-handled).
	State string `json:"state"`

	// Verdict is what happened to the span (finalize, abandon, defer).
	Verdict string `json:"verdict"`

	// Reason explains the verdict.
	Reason string `json:"reason"`

	// Failed reports whether the dispatch unwound with a failure.
	Failed bool `json:"failed"`

	// DurationMs is the dispatch duration in milliseconds.
	DurationMs int64 `json:"durationMs"`
}

// Filter defines criteria for querying the journal.
type Filter struct {
	// Method filters by HTTP method.
	Method string

	// Path filters by path prefix.
	Path string

	// TraceID filters by exact trace ID.
	TraceID string

	// Verdict filters by lifecycle verdict.
	Verdict string

	// Reason filters by lifecycle reason.
	Reason string

	// Failed filters by failure presence.
	Failed *bool

	// Limit is the maximum number of entries to return.
	Limit int

	// Offset is the number of entries to skip.
	Offset int
}

// Store is the interface journal readers depend on.
type Store interface {
	// Record appends an entry, assigning an ID and timestamp when unset.
	Record(entry *Entry)

	// Get retrieves an entry by ID.
	Get(id string) *Entry

	// List returns entries newest first, optionally filtered.
	List(filter *Filter) []*Entry

	// Clear removes all entries.
	Clear()

	// Count returns the number of entries.
	Count() int
}

// Subscriber is a channel that receives new entries as they are recorded.
type Subscriber chan *Entry

// InMemory is a Store backed by a bounded FIFO buffer. Oldest entries are
// evicted once the capacity is reached.
type InMemory struct {
	entries     []*Entry
	maxEntries  int
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	subMu       sync.RWMutex
}

// NewInMemory creates an in-memory journal with the given capacity.
func NewInMemory(maxEntries int) *InMemory {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &InMemory{
		entries:     make([]*Entry, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Record appends an entry.
func (j *InMemory) Record(entry *Entry) {
	if entry == nil {
		return
	}

	j.mu.Lock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	// FIFO eviction: drop the oldest once at capacity.
	if len(j.entries) >= j.maxEntries {
		j.entries = j.entries[1:]
	}

	j.entries = append(j.entries, entry)
	j.mu.Unlock()

	// Notify subscribers without blocking the dispatch path.
	j.subMu.RLock()
	for sub := range j.subscribers {
		select {
		case sub <- entry:
		default:
		}
	}
	j.subMu.RUnlock()
}

// Get retrieves an entry by ID.
func (j *InMemory) Get(id string) *Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for _, entry := range j.entries {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}

// List returns entries newest first, optionally filtered.
func (j *InMemory) List(filter *Filter) []*Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	result := make([]*Entry, 0, len(j.entries))
	for i := len(j.entries) - 1; i >= 0; i-- {
		entry := j.entries[i]
		if filter != nil && !matchesFilter(entry, filter) {
			continue
		}
		result = append(result, entry)
	}

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(result) {
				return []*Entry{}
			}
			result = result[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(result) {
			result = result[:filter.Limit]
		}
	}

	return result
}

func matchesFilter(entry *Entry, filter *Filter) bool {
	if filter.Method != "" && entry.Method != filter.Method {
		return false
	}
	if filter.Path != "" && !strings.HasPrefix(entry.Path, filter.Path) {
		return false
	}
	if filter.TraceID != "" && entry.TraceID != filter.TraceID {
		return false
	}
	if filter.Verdict != "" && entry.Verdict != filter.Verdict {
		return false
	}
	if filter.Reason != "" && entry.Reason != filter.Reason {
		return false
	}
	if filter.Failed != nil && entry.Failed != *filter.Failed {
		return false
	}
	return true
}

// Clear removes all entries.
func (j *InMemory) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = make([]*Entry, 0, j.maxEntries)
}

// Count returns the number of entries.
func (j *InMemory) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Subscribe registers a subscriber for new entries. Slow subscribers miss
// entries rather than stalling recording. The returned function
// unsubscribes and closes the channel.
func (j *InMemory) Subscribe() (Subscriber, func()) {
	ch := make(Subscriber, 100)

	j.subMu.Lock()
	j.subscribers[ch] = struct{}{}
	j.subMu.Unlock()

	unsubscribe := func() {
		j.subMu.Lock()
		delete(j.subscribers, ch)
		j.subMu.Unlock()
		close(ch)
	}

	return ch, unsubscribe
}
