// Package natsfwd publishes log batches to a NATS subject, one message per
// chunk, for pipelines that relay logs to Datadog from a central consumer.
package natsfwd

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/chunk"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/retry"
)

const (
	DefaultSubject    = "logs.datadog"
	DefaultMaxRetries = 10
	// NATS servers reject messages above max_payload, 1 MiB by default
	DefaultMaxRequestSize = 1024 * 1024
)

type Config struct {
	URL            string
	Subject        string
	Name           string
	MaxRetries     int
	MaxBackoff     time.Duration
	BackoffUnit    time.Duration
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
	MaxRecordSize  int
	MaxRequestSize int
	MaxRecords     int
}

// publisher is the subset of *nats.Conn the client needs.
type publisher interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

type Client struct {
	config    Config
	formatter logging.Formatter
	policy    retry.Policy
	metrics   *logging.Metrics
	logger    *log.Logger
	connect   func() (publisher, error)

	mu     sync.Mutex
	conn   publisher
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(config Config, formatter logging.Formatter, metrics *logging.Metrics, logger *log.Logger) (*Client, error) {
	if formatter == nil {
		return nil, errors.New("formatter is required")
	}
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	if config.Name == "" {
		config.Name = "datadog-log-shipper"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffUnit <= 0 {
		config.BackoffUnit = time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 5 * time.Second
	}
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = DefaultMaxRequestSize
	}
	if metrics == nil {
		metrics = &logging.Metrics{}
	}
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:    config,
		formatter: formatter,
		policy:    retry.Policy{Growth: retry.Exponential, Unit: config.BackoffUnit, Max: config.MaxBackoff},
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.connect = c.dialNATS
	return c, nil
}

func (c *Client) dialNATS() (publisher, error) {
	conn, err := nats.Connect(c.config.URL,
		nats.Name(c.config.Name),
		nats.Timeout(c.config.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Printf("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.metrics.IncReconnects()
			c.logger.Printf("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to nats")
	}
	return conn, nil
}

func (c *Client) SendBatch(entries []logging.LogEntry) {
	records, dropped := chunk.Serialize(entries, c.formatter, c.config.MaxRecordSize)
	for _, err := range dropped {
		c.metrics.IncRecordsDropped()
		c.logger.Printf("Dropping log entry: %v", err)
	}

	chunks, tooLarge := chunk.Pack(records, chunk.Limits{
		MaxRequestSize: c.config.MaxRequestSize,
		MaxRecords:     c.config.MaxRecords,
	})
	for i := 0; i < tooLarge; i++ {
		c.metrics.IncRecordsDropped()
	}

	for _, ch := range chunks {
		if len(ch.Records) == 0 {
			continue
		}
		c.publish(ch.Payload())
	}
}

func (c *Client) publish(payload string) {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			c.metrics.IncRetries()
		}
		return c.tryPublish([]byte(payload))
	}, c.policy.WithMaxAttempts(c.ctx, c.config.MaxRetries))

	if err != nil {
		c.metrics.IncPayloadsFailed()
		c.logger.Printf("Could not publish payload to NATS (%v): %s", err, payload)
		return
	}
	c.metrics.IncPayloadsSent()
}

func (c *Client) tryPublish(data []byte) error {
	conn, err := c.connection()
	if err != nil {
		c.metrics.IncConnectFailures()
		return err
	}
	if err := conn.Publish(c.config.Subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			c.dropConnection(conn)
		}
		return errors.Wrap(err, "publish")
	}
	if err := conn.FlushTimeout(c.config.FlushTimeout); err != nil {
		return errors.Wrap(err, "flush")
	}
	return nil
}

func (c *Client) connection() (publisher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, backoff.Permanent(errors.New("client closed"))
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// dropConnection forgets conn so the next attempt dials again.
func (c *Client) dropConnection(conn publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

// Close drains the NATS connection, delivering messages still buffered by
// the client library.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil {
		return nil
	}
	err := c.conn.Drain()
	c.conn = nil
	return err
}
