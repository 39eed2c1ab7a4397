package datadog

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/chunk"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/retry"
)

const contentType = "application/json"

// HTTPClient posts batches as JSON arrays, split into size-bounded chunks
// that are sent concurrently and retried independently.
type HTTPClient struct {
	config    ClientConfig
	url       string
	formatter logging.Formatter
	policy    retry.Policy
	client    *retryablehttp.Client
	metrics   *logging.Metrics
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHTTPClient(config ClientConfig, formatter logging.Formatter, metrics *logging.Metrics, logger *log.Logger) *HTTPClient {
	config = config.withDefaults()
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultHTTPMaxRetries
	}
	if metrics == nil {
		metrics = &logging.Metrics{}
	}
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &HTTPClient{
		config:    config,
		url:       strings.TrimRight(config.URL, "/") + "/v1/input/" + config.APIKey,
		formatter: formatter,
		policy:    config.policy(retry.Exponential),
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: config.RequestTimeout}
	rc.Logger = nil
	rc.RetryMax = config.MaxRetries - 1
	rc.CheckRetry = checkRetry
	rc.Backoff = func(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
		return c.policy.Delay(attemptNum + 1)
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		if attempt > 0 {
			c.metrics.IncRetries()
		}
	}
	c.client = rc

	return c
}

// checkRetry retries transport errors and 5xx responses; any other response
// ends the retry loop.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return true, nil
	}
	return false, nil
}

func (c *HTTPClient) SendBatch(entries []logging.LogEntry) {
	records, dropped := chunk.Serialize(entries, c.formatter, c.config.MaxRecordSize)
	for _, err := range dropped {
		c.metrics.IncRecordsDropped()
		c.logger.Printf("Dropping log entry: %v", err)
	}

	chunks, tooLarge := chunk.Pack(records, chunk.Limits{
		MaxRequestSize: c.config.MaxRequestSize,
		MaxRecords:     c.config.MaxRecordsPerChunk,
	})
	for i := 0; i < tooLarge; i++ {
		c.metrics.IncRecordsDropped()
	}
	if tooLarge > 0 {
		c.logger.Printf("Dropped %d records larger than the %d bytes request limit", tooLarge, c.config.MaxRequestSize)
	}

	var wg sync.WaitGroup
	for _, ch := range chunks {
		wg.Add(1)
		go func(payload string) {
			defer wg.Done()
			c.post(payload)
		}(ch.Payload())
	}
	wg.Wait()
}

// Close abandons pending retries. The client holds no connection of its own.
func (c *HTTPClient) Close() error {
	c.cancel()
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) post(payload string) {
	if err := c.postChunk(payload); err != nil {
		c.metrics.IncPayloadsFailed()
		c.logger.Printf("Could not send payload to Datadog (%v): %s", err, payload)
		return
	}
	c.metrics.IncPayloadsSent()
}

func (c *HTTPClient) postChunk(payload string) error {
	body, err := c.encode(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(c.ctx, http.MethodPost, c.url, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", contentType)
	if c.config.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("datadog returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) encode(payload string) ([]byte, error) {
	if !c.config.Compress {
		return []byte(payload), nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(payload)); err != nil {
		return nil, errors.Wrap(err, "failed to compress payload")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to compress payload")
	}
	return buf.Bytes(), nil
}
