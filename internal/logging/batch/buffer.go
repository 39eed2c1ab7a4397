package batch

import (
	"sync"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
)

// Buffer accumulates entries between flushes. Append and DrainAndClear share
// one mutex, so every entry lands in exactly one drained batch.
type Buffer struct {
	mu      sync.Mutex
	entries []logging.LogEntry
}

// Append adds one entry and returns the number of entries now buffered.
func (b *Buffer) Append(entry logging.LogEntry) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	return len(b.entries)
}

// DrainAndClear returns everything buffered so far and leaves the buffer
// empty. It returns nil when nothing is buffered.
func (b *Buffer) DrainAndClear() []logging.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}

	drained := b.entries
	b.entries = nil
	return drained
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
