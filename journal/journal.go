package journal

import (
	"context"
	"sync"
)

// Writer is a journal sink.
type Writer interface {
	Write(ctx context.Context, e Entry) error
}

// Reader is a journal source. A (nil, nil) result means no more entries;
// errors are reserved for malformed or truncated records.
type Reader interface {
	Read(ctx context.Context) (Entry, error)
}

// Journal is a combined sink and source.
type Journal interface {
	Writer
	Reader
}

// Memory is a slice-backed journal for non-persistent runs and tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	readPos int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Read(_ context.Context) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readPos >= len(m.entries) {
		return nil, nil
	}
	e := m.entries[m.readPos]
	m.readPos++
	return e, nil
}

// Rewind resets the read cursor to the first entry.
func (m *Memory) Rewind() {
	m.mu.Lock()
	m.readPos = 0
	m.mu.Unlock()
}

// Entries returns a snapshot of everything appended so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Discard drops every entry. It is the sink for runs that do not persist.
type Discard struct{}

func (Discard) Write(context.Context, Entry) error { return nil }
func (Discard) Read(context.Context) (Entry, error) {
	return nil, nil
}

// TypeStats aggregates per-type counts and encoded sizes.
type TypeStats struct {
	Count uint64
	Bytes uint64
}

// Counting wraps a Writer and tallies entries by type.
type Counting struct {
	mu    sync.Mutex
	next  Writer
	stats map[EntryType]TypeStats
}

func NewCounting(next Writer) *Counting {
	return &Counting{next: next, stats: make(map[EntryType]TypeStats)}
}

func (c *Counting) Write(ctx context.Context, e Entry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s := c.stats[e.Type()]
	s.Count++
	s.Bytes += uint64(len(data))
	c.stats[e.Type()] = s
	c.mu.Unlock()
	if c.next == nil {
		return nil
	}
	return c.next.Write(ctx, e)
}

// Stats returns a copy of the per-type tallies.
func (c *Counting) Stats() map[EntryType]TypeStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[EntryType]TypeStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}
