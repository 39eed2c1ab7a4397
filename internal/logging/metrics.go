package logging

import (
	"sync"
)

// Metrics counts what happened to entries between Append and the network.
// The zero value is ready to use.
type Metrics struct {
	EntriesAppended int
	BatchesFlushed  int
	RecordsDropped  int
	PayloadsSent    int
	PayloadsFailed  int
	Reconnects      int
	ConnectFailures int
	Retries         int
	mu              sync.RWMutex
}

func (m *Metrics) IncEntriesAppended() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EntriesAppended++
}

func (m *Metrics) IncBatchesFlushed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchesFlushed++
}

func (m *Metrics) IncRecordsDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordsDropped++
}

func (m *Metrics) IncPayloadsSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PayloadsSent++
}

func (m *Metrics) IncPayloadsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PayloadsFailed++
}

func (m *Metrics) IncReconnects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reconnects++
}

func (m *Metrics) IncConnectFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectFailures++
}

func (m *Metrics) IncRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries++
}

func (m *Metrics) GetMetricsStamp() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		EntriesAppended: m.EntriesAppended,
		BatchesFlushed:  m.BatchesFlushed,
		RecordsDropped:  m.RecordsDropped,
		PayloadsSent:    m.PayloadsSent,
		PayloadsFailed:  m.PayloadsFailed,
		Reconnects:      m.Reconnects,
		ConnectFailures: m.ConnectFailures,
		Retries:         m.Retries,
	}
}

// DeliveryRate is the share of payloads that reached the intake.
func (m *Metrics) DeliveryRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := m.PayloadsSent + m.PayloadsFailed
	if total == 0 {
		return 0
	}
	return float64(m.PayloadsSent) / float64(total)
}
