package daemon

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTailerMetrics_BasicOperations(t *testing.T) {
	metrics := &TailerMetrics{}

	metrics.IncFilesDiscovered()
	metrics.IncFilesTailed()
	metrics.IncFilesFailed()
	metrics.IncFilesReleased()
	metrics.IncLinesRead()
	metrics.IncReadErrors()

	result := metrics.GetMetricsStamp()

	assert.Equal(t, 1, result.FilesDiscovered)
	assert.Equal(t, 1, result.FilesTailed)
	assert.Equal(t, 1, result.FilesFailed)
	assert.Equal(t, 1, result.FilesReleased)
	assert.Equal(t, 1, result.LinesRead)
	assert.Equal(t, 1, result.ReadErrors)
}

func TestTailerMetrics_ErrorRate(t *testing.T) {
	metrics := &TailerMetrics{}
	assert.Equal(t, 0.0, metrics.ErrorRate())

	for i := 0; i < 3; i++ {
		metrics.IncLinesRead()
	}
	metrics.IncReadErrors()
	assert.InDelta(t, 0.25, metrics.ErrorRate(), 1e-9)
}

func TestTailerMetrics_DecrementOperations(t *testing.T) {
	metrics := &TailerMetrics{}

	metrics.IncFilesTailed()
	metrics.IncFilesTailed()
	metrics.DecFilesTailed()

	assert.Equal(t, 1, metrics.GetMetricsStamp().FilesTailed)
}

func TestTailerMetrics_ConcurrentUpdates(t *testing.T) {
	metrics := &TailerMetrics{}

	var wg sync.WaitGroup
	inc := func(fn func()) {
		for i := 0; i < 1000; i++ {
			fn()
		}
		wg.Done()
	}

	wg.Add(5)
	go inc(metrics.IncFilesDiscovered)
	go inc(metrics.IncFilesFailed)
	go inc(metrics.IncFilesReleased)
	go inc(metrics.IncLinesRead)
	go inc(metrics.IncReadErrors)
	wg.Wait()

	stamp := metrics.GetMetricsStamp()
	assert.Equal(t, 1000, stamp.FilesDiscovered)
	assert.Equal(t, 1000, stamp.FilesFailed)
	assert.Equal(t, 1000, stamp.FilesReleased)
	assert.Equal(t, 1000, stamp.LinesRead)
	assert.Equal(t, 1000, stamp.ReadErrors)
	assert.InDelta(t, 0.5, metrics.ErrorRate(), 1e-9)
}
