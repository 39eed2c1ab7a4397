package datadog

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
	"github.com/Chichichkin/DatadogLogShipper/internal/testutils"
)

func testHTTPConfig(url string) ClientConfig {
	return ClientConfig{
		Transport:   TransportHTTP,
		APIKey:      "test-key",
		URL:         url,
		BackoffUnit: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestHTTPClient_SendBatch(t *testing.T) {
	var got [][]json.RawMessage
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/input/test-key", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var records []json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&records))
		mu.Lock()
		got = append(got, records)
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	metrics := &logging.Metrics{}
	client := NewHTTPClient(testHTTPConfig(server.URL), testutils.StaticFormatter{Record: `{"message":"hi"}`}, metrics, nil)
	defer client.Close()

	client.SendBatch(testutils.Entries("a", "b"))

	require.Len(t, got, 1)
	assert.Len(t, got[0], 2)
	assert.Equal(t, 1, metrics.GetMetricsStamp().PayloadsSent)
}

func TestHTTPClient_ClientErrorIsNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	logger, out := testutils.NewTestLogger()
	metrics := &logging.Metrics{}
	client := NewHTTPClient(testHTTPConfig(server.URL), testutils.StaticFormatter{Record: `"x"`}, metrics, logger)
	defer client.Close()

	client.SendBatch(testutils.Entries("a"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	assert.Equal(t, 1, metrics.GetMetricsStamp().PayloadsFailed)
	assert.Equal(t, 0, metrics.GetMetricsStamp().Retries)
	assert.Contains(t, out.String(), "Could not send payload to Datadog")
	assert.Contains(t, out.String(), `["x"]`)
}

func TestHTTPClient_ServerErrorIsRetriedUpToMax(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	logger, out := testutils.NewTestLogger()
	metrics := &logging.Metrics{}
	client := NewHTTPClient(testHTTPConfig(server.URL), testutils.StaticFormatter{Record: `"x"`}, metrics, logger)
	defer client.Close()

	client.SendBatch(testutils.Entries("a"))

	assert.Equal(t, int32(DefaultHTTPMaxRetries), atomic.LoadInt32(&attempts))
	assert.Equal(t, DefaultHTTPMaxRetries-1, metrics.GetMetricsStamp().Retries)
	assert.Equal(t, 1, metrics.GetMetricsStamp().PayloadsFailed)
	assert.Contains(t, out.String(), "status 503")
}

func TestHTTPClient_RecoversAfterServerError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `["x"]`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics := &logging.Metrics{}
	client := NewHTTPClient(testHTTPConfig(server.URL), testutils.StaticFormatter{Record: `"x"`}, metrics, nil)
	defer client.Close()

	client.SendBatch(testutils.Entries("a"))

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, 1, metrics.GetMetricsStamp().PayloadsSent)
	assert.Equal(t, 0, metrics.GetMetricsStamp().PayloadsFailed)
}

func TestHTTPClient_TransportErrorIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	config := testHTTPConfig(url)
	config.MaxRetries = 3
	metrics := &logging.Metrics{}
	logger, out := testutils.NewTestLogger()
	client := NewHTTPClient(config, testutils.StaticFormatter{Record: `"x"`}, metrics, logger)
	defer client.Close()

	client.SendBatch(testutils.Entries("a"))

	assert.Equal(t, 2, metrics.GetMetricsStamp().Retries)
	assert.Equal(t, 1, metrics.GetMetricsStamp().PayloadsFailed)
	assert.Contains(t, out.String(), "Could not send payload to Datadog")
}

func TestHTTPClient_SplitsIntoConcurrentChunks(t *testing.T) {
	var requests int32
	var records int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		var body []json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.LessOrEqual(t, len(body), 2)
		atomic.AddInt32(&records, int32(len(body)))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := testHTTPConfig(server.URL)
	config.MaxRequestSize = 25
	client := NewHTTPClient(config, testutils.StaticFormatter{Record: testutils.SizedRecord(10)}, nil, nil)
	defer client.Close()

	client.SendBatch(testutils.Entries("a", "b", "c"))

	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
	assert.Equal(t, int32(3), atomic.LoadInt32(&records))
}

func TestHTTPClient_OversizedRecordSendsEmptyChunk(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	metrics := &logging.Metrics{}
	client := NewHTTPClient(testHTTPConfig(server.URL), testutils.StaticFormatter{Record: testutils.SizedRecord(300000)}, metrics, nil)
	defer client.Close()

	client.SendBatch(testutils.Entries("huge"))

	assert.Equal(t, []string{"[]"}, bodies)
	assert.Equal(t, 1, metrics.GetMetricsStamp().RecordsDropped)
}

func TestHTTPClient_Compress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		body, _ := io.ReadAll(zr)
		assert.Equal(t, `["x","x"]`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := testHTTPConfig(server.URL)
	config.Compress = true
	metrics := &logging.Metrics{}
	client := NewHTTPClient(config, testutils.StaticFormatter{Record: `"x"`}, metrics, nil)
	defer client.Close()

	client.SendBatch(testutils.Entries("a", "b"))
	assert.Equal(t, 1, metrics.GetMetricsStamp().PayloadsSent)
}

func TestHTTPClient_CloseAbandonsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	config := testHTTPConfig(server.URL)
	config.BackoffUnit = time.Second
	config.MaxBackoff = time.Minute
	metrics := &logging.Metrics{}
	client := NewHTTPClient(config, testutils.StaticFormatter{Record: `"x"`}, metrics, nil)

	done := make(chan struct{})
	go func() {
		client.SendBatch(testutils.Entries("a"))
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SendBatch did not return after Close")
	}
	assert.Equal(t, 1, metrics.GetMetricsStamp().PayloadsFailed)
}
