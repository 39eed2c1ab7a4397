package datadog

import (
	"bufio"
	"context"
	"crypto/tls"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/retry"
)

const (
	apiKeyDelimiter  = " "
	messageDelimiter = "\n"
)

var errClientClosed = errors.New("client closed")

// TCPClient streams newline-delimited records over one long-lived
// connection. The connection is opened lazily and re-opened after any I/O
// error; sends are serialized.
type TCPClient struct {
	config    ClientConfig
	formatter logging.Formatter
	policy    retry.Policy
	metrics   *logging.Metrics
	logger    *log.Logger
	dial      func(ctx context.Context) (net.Conn, error)

	sendMu sync.Mutex

	mu            sync.Mutex
	conn          net.Conn
	writer        *bufio.Writer
	closed        bool
	everConnected bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTCPClient(config ClientConfig, formatter logging.Formatter, metrics *logging.Metrics, logger *log.Logger) *TCPClient {
	config = config.withDefaults()
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultTCPMaxRetries
	}
	if metrics == nil {
		metrics = &logging.Metrics{}
	}
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &TCPClient{
		config:    config,
		formatter: formatter,
		policy:    config.policy(retry.Quadratic),
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.dial = c.dialTCP
	return c
}

func (c *TCPClient) SendBatch(entries []logging.LogEntry) {
	payload := c.buildPayload(entries)
	if payload == "" {
		return
	}
	data := []byte(payload)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			c.metrics.IncRetries()
		}
		return c.trySend(data)
	}, c.policy.WithMaxAttempts(c.ctx, c.config.MaxRetries))

	if err != nil {
		c.metrics.IncPayloadsFailed()
		c.logger.Printf("Could not send payload to Datadog: %s", payload)
		return
	}
	c.metrics.IncPayloadsSent()
}

// Connected reports whether a connection is currently open.
func (c *TCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close flushes what is left in the stream buffer and closes the connection.
// Pending retries of an ongoing SendBatch are abandoned.
func (c *TCPClient) Close() error {
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
	if err := c.writer.Flush(); err != nil {
		c.logger.Printf("Could not flush the remaining data: %v", err)
	}
	return c.closeConnLocked()
}

func (c *TCPClient) buildPayload(entries []logging.LogEntry) string {
	var sb strings.Builder
	for _, entry := range entries {
		record, err := c.formatter.Format(entry)
		if err != nil {
			c.metrics.IncRecordsDropped()
			c.logger.Printf("Dropping log entry: %v", err)
			continue
		}
		sb.WriteString(c.config.APIKey)
		sb.WriteString(apiKeyDelimiter)
		sb.WriteString(record)
		sb.WriteString(messageDelimiter)
	}
	return sb.String()
}

func (c *TCPClient) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return backoff.Permanent(errClientClosed)
	}

	if c.conn == nil {
		if err := c.connectLocked(); err != nil {
			c.metrics.IncConnectFailures()
			c.logger.Printf("Could not connect to Datadog: %v", err)
			return err
		}
	}

	if err := c.writeLocked(data); err != nil {
		_ = c.closeConnLocked()
		c.logger.Printf("Could not send data to Datadog: %v", err)
		return err
	}
	return nil
}

func (c *TCPClient) connectLocked() error {
	conn, err := c.dial(c.ctx)
	if err != nil {
		return errors.Wrap(err, "dial")
	}

	if c.config.UseTLS {
		tlsConn := tls.Client(conn, c.tlsConfig())
		ctx, cancel := context.WithTimeout(c.ctx, c.config.DialTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "tls handshake")
		}
		conn = tlsConn
	}

	if c.everConnected {
		c.metrics.IncReconnects()
	}
	c.everConnected = true
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	return nil
}

func (c *TCPClient) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.config.TLSConfig != nil {
		cfg = c.config.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.config.Host
	}
	return cfg
}

func (c *TCPClient) writeLocked(data []byte) error {
	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	if _, err := c.writer.Write(data); err != nil {
		return errors.Wrap(err, "write")
	}
	if err := c.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	return nil
}

func (c *TCPClient) closeConnLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.writer = nil
	return err
}

func (c *TCPClient) dialTCP(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.config.DialTimeout}
	address := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	return dialer.DialContext(ctx, "tcp", address)
}
