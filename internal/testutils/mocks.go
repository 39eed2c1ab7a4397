package testutils

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
)

type MockClient struct {
	SentBatches [][]logging.LogEntry
	mu          sync.Mutex
	ShouldPanic bool
	Delay       time.Duration
	CloseCalls  int
}

func (m *MockClient) SendBatch(entries []logging.LogEntry) {
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ShouldPanic {
		panic("mock send failed")
	}

	m.SentBatches = append(m.SentBatches, entries)
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

func (m *MockClient) GetSentBatches() [][]logging.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SentBatches
}

func (m *MockClient) TotalEntries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.SentBatches {
		total += len(b)
	}
	return total
}

type MockSink struct {
	Entries     []logging.LogEntry
	mu          sync.Mutex
	AppendDelay time.Duration
	AppendCalls int
}

func (m *MockSink) Append(entry logging.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendDelay > 0 {
		time.Sleep(m.AppendDelay)
	}

	m.Entries = append(m.Entries, entry)
	m.AppendCalls++
}

func (m *MockSink) GetEntries() []logging.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]logging.LogEntry, len(m.Entries))
	copy(out, m.Entries)
	return out
}

// StaticFormatter returns Record for every entry, or the entry message when
// Record is empty.
type StaticFormatter struct {
	Record string
	Err    error
}

func (f StaticFormatter) Format(entry logging.LogEntry) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	if f.Record != "" {
		return f.Record, nil
	}
	return entry.Message, nil
}

// SafeBuffer is a bytes.Buffer usable as the output of a shared logger.
type SafeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewTestLogger returns a logger writing into the returned buffer.
func NewTestLogger() (*log.Logger, *SafeBuffer) {
	buf := &SafeBuffer{}
	return log.New(buf, "", 0), buf
}

func Entries(messages ...string) []logging.LogEntry {
	entries := make([]logging.LogEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, logging.LogEntry{Timestamp: time.Now(), Level: "info", Message: m})
	}
	return entries
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "ignored\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}

// SizedRecord returns a JSON string literal exactly size bytes long.
func SizedRecord(size int) string {
	if size < 2 {
		return strings.Repeat("1", size)
	}
	return "\"" + strings.Repeat("x", size-2) + "\""
}
