package logging

import (
	"time"
)

// LogEntry is a single log event as produced by the application.
type LogEntry struct {
	Timestamp  time.Time
	Level      string
	Message    string
	Exception  string
	Attributes map[string]interface{}
}

// Sink is the ingestion side of the shipper. Append must be safe to call from
// any goroutine and must never block on network I/O.
type Sink interface {
	Append(entry LogEntry)
}

// Formatter turns one entry into one self-contained serialized record.
// Implementations must be safe for concurrent use.
type Formatter interface {
	Format(entry LogEntry) (string, error)
}

// Client delivers a batch to the remote intake. Delivery failures are
// logged by the client and never returned to the caller.
type Client interface {
	SendBatch(entries []LogEntry)
	Close() error
}

type Config struct {
	FlushInterval time.Duration
	// If > 0, a flush is triggered early once this many entries are buffered
	BatchSize int
	// Interval of the metrics report; 0 disables it
	ReportInterval time.Duration
}
