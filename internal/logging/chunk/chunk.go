// Package chunk serializes batches and packs the records into JSON arrays
// that respect the intake request size limits.
package chunk

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
)

const (
	prefix    = "["
	suffix    = "]"
	delimiter = ","
)

// Limits bounds what a single request may carry. Zero means unlimited.
type Limits struct {
	MaxRecordSize  int
	MaxRequestSize int
	MaxRecords     int
}

// Chunk is an ordered group of records sent as one request.
type Chunk struct {
	Records []string
	size    int
}

// Size is the byte length of Payload.
func (c Chunk) Size() int {
	if c.size == 0 {
		return wrappedSize(c.Records)
	}
	return c.size
}

// Payload wraps the records into a JSON array.
func (c Chunk) Payload() string {
	return prefix + strings.Join(c.Records, delimiter) + suffix
}

func wrappedSize(records []string) int {
	size := len(prefix) + len(suffix)
	for i, r := range records {
		if i > 0 {
			size += len(delimiter)
		}
		size += len(r)
	}
	return size
}

// Serialize formats every entry and drops the ones that fail to format or are
// larger than maxRecordSize. One error is returned per dropped entry.
func Serialize(entries []logging.LogEntry, formatter logging.Formatter, maxRecordSize int) ([]string, []error) {
	records := make([]string, 0, len(entries))
	var dropped []error

	for _, entry := range entries {
		record, err := formatter.Format(entry)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		if maxRecordSize > 0 && len(record) > maxRecordSize {
			dropped = append(dropped, errors.Errorf("record of %d bytes exceeds the %d bytes limit", len(record), maxRecordSize))
			continue
		}
		records = append(records, record)
	}

	return records, dropped
}

// Pack greedily groups records into chunks whose payload never exceeds
// limits.MaxRequestSize. A record that cannot fit even in an empty chunk is
// dropped and counted. The last chunk is always returned, so an empty input
// still yields one empty chunk.
func Pack(records []string, limits Limits) ([]Chunk, int) {
	var chunks []Chunk
	dropped := 0

	current := Chunk{}
	size := len(prefix) + len(suffix)

	for _, record := range records {
		if limits.MaxRequestSize > 0 && len(record)+len(prefix)+len(suffix) > limits.MaxRequestSize {
			dropped++
			continue
		}

		added := len(record)
		if len(current.Records) > 0 {
			added += len(delimiter)
		}

		full := limits.MaxRequestSize > 0 && size+added > limits.MaxRequestSize
		if limits.MaxRecords > 0 && len(current.Records) >= limits.MaxRecords {
			full = true
		}

		if full && len(current.Records) > 0 {
			current.size = size
			chunks = append(chunks, current)
			current = Chunk{}
			size = len(prefix) + len(suffix)
			added = len(record)
		}

		current.Records = append(current.Records, record)
		size += added
	}

	current.size = size
	chunks = append(chunks, current)

	return chunks, dropped
}
