// Package formatter renders log entries as Datadog JSON records.
package formatter

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
)

// DefaultSource is reported as ddsource when none is configured.
const DefaultSource = "go"

var reservedKeys = map[string]struct{}{
	"date":      {},
	"level":     {},
	"message":   {},
	"exception": {},
	"ddsource":  {},
	"service":   {},
	"host":      {},
	"ddtags":    {},
}

// Datadog enriches every record with the configured source, service, host
// and tags. It holds no mutable state.
type Datadog struct {
	source  string
	service string
	host    string
	tags    string
}

func NewDatadog(source, service, host string, tags []string) *Datadog {
	if source == "" {
		source = DefaultSource
	}

	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			cleaned = append(cleaned, tag)
		}
	}

	return &Datadog{
		source:  source,
		service: service,
		host:    host,
		tags:    strings.Join(cleaned, ","),
	}
}

func (f *Datadog) Format(entry logging.LogEntry) (string, error) {
	record := make(map[string]interface{}, len(entry.Attributes)+8)

	for k, v := range entry.Attributes {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		record[k] = v
	}

	timestamp := entry.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	record["date"] = timestamp.UTC().Format(time.RFC3339Nano)
	record["level"] = strings.ToUpper(entry.Level)
	record["message"] = entry.Message

	setIfNotEmpty(record, "exception", entry.Exception)
	setIfNotEmpty(record, "ddsource", f.source)
	setIfNotEmpty(record, "service", f.service)
	setIfNotEmpty(record, "host", f.host)
	setIfNotEmpty(record, "ddtags", f.tags)

	body, err := json.Marshal(record)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal log record")
	}
	return string(body), nil
}

func setIfNotEmpty(record map[string]interface{}, key, value string) {
	if value != "" {
		record[key] = value
	}
}
