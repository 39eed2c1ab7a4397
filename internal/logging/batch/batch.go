package batch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
)

// DefaultFlushInterval is the period between two flushes.
const DefaultFlushInterval = 2 * time.Second

// Processor drains the buffer on a fixed period and hands each batch to the
// client. Only one flush is in flight at a time.
type Processor struct {
	ctx        context.Context
	client     logging.Client
	config     logging.Config
	buffer     Buffer
	metrics    *logging.Metrics
	logger     *log.Logger
	flushChan  chan struct{}
	stopCtx    context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once
	closeErr   error
	closedChan chan struct{}
}

func NewBatchProcessor(ctx context.Context, client logging.Client, config logging.Config, metrics *logging.Metrics, logger *log.Logger) *Processor {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if metrics == nil {
		metrics = &logging.Metrics{}
	}
	if logger == nil {
		logger = log.Default()
	}

	nCtx, cancel := context.WithCancel(ctx)
	return &Processor{
		ctx:        nCtx,
		client:     client,
		config:     config,
		metrics:    metrics,
		logger:     logger,
		flushChan:  make(chan struct{}, 1),
		stopCtx:    cancel,
		closedChan: make(chan struct{}),
	}
}

// Append never blocks on the network; it only takes the buffer lock.
func (bp *Processor) Append(entry logging.LogEntry) {
	n := bp.buffer.Append(entry)
	bp.metrics.IncEntriesAppended()

	if bp.config.BatchSize > 0 && n >= bp.config.BatchSize {
		select {
		case bp.flushChan <- struct{}{}:
		default:
		}
	}
}

func (bp *Processor) Start() {
	bp.startOnce.Do(func() {
		bp.wg.Add(1)
		go bp.batchTimer()

		if bp.config.ReportInterval > 0 {
			bp.wg.Add(1)
			go bp.metricsReporter()
		}
	})
}

// Close stops the timer, sends whatever is still buffered and closes the
// client. It gives up waiting once ctx is done; the client is closed either
// way so pending retries are abandoned.
func (bp *Processor) Close(ctx context.Context) error {
	bp.closeOnce.Do(func() {
		bp.stopCtx()

		done := make(chan struct{})
		go func() {
			defer close(done)
			bp.wg.Wait()
			bp.flush()
		}()

		select {
		case <-done:
		case <-ctx.Done():
			bp.logger.Printf("Shutdown deadline reached, %d entries may not be delivered", bp.buffer.Len())
		}

		bp.closeErr = bp.client.Close()
		close(bp.closedChan)
	})

	<-bp.closedChan
	return bp.closeErr
}

func (bp *Processor) Metrics() *logging.Metrics {
	return bp.metrics
}

func (bp *Processor) batchTimer() {
	defer bp.wg.Done()

	ticker := time.NewTicker(bp.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bp.flush()
		case <-bp.flushChan:
			bp.flush()
		case <-bp.ctx.Done():
			return
		}
	}
}

func (bp *Processor) flush() {
	batch := bp.buffer.DrainAndClear()
	if len(batch) == 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			bp.logger.Printf("Sending batch of %d entries panicked: %v", len(batch), r)
		}
	}()

	bp.metrics.IncBatchesFlushed()
	bp.client.SendBatch(batch)
}

func (bp *Processor) metricsReporter() {
	defer bp.wg.Done()

	ticker := time.NewTicker(bp.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := bp.metrics.GetMetricsStamp()
			bp.logger.Printf(
				"Metrics: appended=%d, buffered=%d, batches=%d, payloads sent/failed=%d/%d (%d%%), dropped records=%d, retries=%d, reconnects=%d",
				m.EntriesAppended, bp.buffer.Len(), m.BatchesFlushed,
				m.PayloadsSent, m.PayloadsFailed, int(bp.metrics.DeliveryRate()*100),
				m.RecordsDropped, m.Retries, m.Reconnects,
			)
		case <-bp.ctx.Done():
			return
		}
	}
}
