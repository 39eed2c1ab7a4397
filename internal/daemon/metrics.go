package daemon

import (
	"sync"
)

type TailerMetrics struct {
	FilesDiscovered int
	FilesTailed     int
	FilesFailed     int
	FilesReleased   int
	LinesRead       int
	ReadErrors      int
	mu              sync.RWMutex
}

func (m *TailerMetrics) IncFilesDiscovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesDiscovered++
}

func (m *TailerMetrics) IncFilesTailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesTailed++
}

func (m *TailerMetrics) DecFilesTailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesTailed--
}

func (m *TailerMetrics) IncFilesFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesFailed++
}

func (m *TailerMetrics) IncFilesReleased() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FilesReleased++
}

func (m *TailerMetrics) IncLinesRead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LinesRead++
}

func (m *TailerMetrics) IncReadErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadErrors++
}

func (m *TailerMetrics) GetMetricsStamp() TailerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return TailerMetrics{
		FilesDiscovered: m.FilesDiscovered,
		FilesTailed:     m.FilesTailed,
		FilesFailed:     m.FilesFailed,
		FilesReleased:   m.FilesReleased,
		LinesRead:       m.LinesRead,
		ReadErrors:      m.ReadErrors,
	}
}

// ErrorRate is the share of read attempts that failed.
func (m *TailerMetrics) ErrorRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := m.LinesRead + m.ReadErrors
	if total == 0 {
		return 0
	}
	return float64(m.ReadErrors) / float64(total)
}
