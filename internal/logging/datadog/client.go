// Package datadog delivers log batches to the Datadog logs intake, either
// over a persistent TCP stream or through chunked HTTP requests.
package datadog

import (
	"crypto/tls"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/retry"
)

const (
	TransportTCP  = "tcp"
	TransportHTTP = "http"

	DefaultURL     = "https://http-intake.logs.datadoghq.com"
	DefaultHost    = "intake.logs.datadoghq.com"
	DefaultPort    = 10516
	DefaultPortTCP = 10514

	DefaultMaxBackoff         = 30 * time.Second
	DefaultTCPMaxRetries      = 5
	DefaultHTTPMaxRetries     = 10
	DefaultMaxRecordSize      = 256 * 1024
	DefaultMaxRequestSize     = 2 * 1024 * 1024
	DefaultMaxRecordsPerChunk = 1000
)

type ClientConfig struct {
	Transport string
	APIKey    string

	// HTTP intake base URL
	URL string

	// TCP intake
	Host      string
	Port      int
	UseTLS    bool
	TLSConfig *tls.Config

	MaxRetries  int
	MaxBackoff  time.Duration
	BackoffUnit time.Duration

	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration

	MaxRecordSize      int
	MaxRequestSize     int
	MaxRecordsPerChunk int
	Compress           bool
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		if c.UseTLS {
			c.Port = DefaultPort
		} else {
			c.Port = DefaultPortTCP
		}
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = DefaultMaxRecordSize
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = DefaultMaxRequestSize
	}
	if c.MaxRecordsPerChunk == 0 {
		c.MaxRecordsPerChunk = DefaultMaxRecordsPerChunk
	}
	return c
}

func (c ClientConfig) policy(growth retry.Growth) retry.Policy {
	return retry.Policy{Growth: growth, Unit: c.BackoffUnit, Max: c.MaxBackoff}
}

// NewClient builds the client matching config.Transport.
func NewClient(config ClientConfig, formatter logging.Formatter, metrics *logging.Metrics, logger *log.Logger) (logging.Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("datadog api key is required")
	}
	if formatter == nil {
		return nil, errors.New("formatter is required")
	}

	switch strings.ToLower(config.Transport) {
	case TransportTCP:
		return NewTCPClient(config, formatter, metrics, logger), nil
	case TransportHTTP, "":
		return NewHTTPClient(config, formatter, metrics, logger), nil
	default:
		return nil, errors.Errorf("unknown transport %q", config.Transport)
	}
}
