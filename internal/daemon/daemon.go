package daemon

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
)

// Tailer follows every file matching the configured patterns and appends
// each new line to the sink.
type Tailer struct {
	config  Config
	sink    logging.Sink
	logger  *log.Logger
	metrics *TailerMetrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

type Config struct {
	// Glob patterns, e.g. /var/log/pods/*/*/*.log
	LogPaths     []string
	ScanInterval time.Duration
	NodeName     string
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// Start at the beginning of newly discovered files instead of the end
	FromStart bool
}

func NewTailer(ctx context.Context, config Config, sink logging.Sink, logger *log.Logger) *Tailer {
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	nCtx, cancel := context.WithCancel(ctx)
	return &Tailer{
		config:  config,
		sink:    sink,
		logger:  logger,
		metrics: &TailerMetrics{},
		ctx:     nCtx,
		cancel:  cancel,
		active:  make(map[string]struct{}),
	}
}

func (s *Tailer) Start() {
	s.logger.Printf("Starting tailer: patterns=%v, scan interval=%s", s.config.LogPaths, s.config.ScanInterval)

	s.scanFiles()

	s.wg.Add(1)
	go s.scanner()
}

func (s *Tailer) Stop() {
	s.cancel()
	s.wg.Wait()

	stamp := s.metrics.GetMetricsStamp()
	s.logger.Printf("Tailer stopped: files discovered=%d, failed=%d, released=%d, lines read=%d, read errors=%d",
		stamp.FilesDiscovered, stamp.FilesFailed, stamp.FilesReleased, stamp.LinesRead, stamp.ReadErrors)
}

func (s *Tailer) Metrics() *TailerMetrics {
	return s.metrics
}

// ActiveFiles returns the number of files currently tailed.
func (s *Tailer) ActiveFiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Tailer) scanner() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Tailer) scanFiles() {
	for _, file := range s.discoverLogFiles() {
		s.mu.Lock()
		_, running := s.active[file]
		if !running {
			s.active[file] = struct{}{}
		}
		s.mu.Unlock()

		if running {
			continue
		}

		s.metrics.IncFilesDiscovered()
		s.wg.Add(1)
		go s.processFile(file)
	}
}

func (s *Tailer) discoverLogFiles() []string {
	seen := make(map[string]struct{})
	var files []string

	for _, pattern := range s.config.LogPaths {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			s.logger.Printf("Invalid log path pattern %q: %v", pattern, err)
			continue
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	return files
}

func (s *Tailer) processFile(filePath string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, filePath)
		s.mu.Unlock()
		s.metrics.DecFilesTailed()
	}()
	s.metrics.IncFilesTailed()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Tailing %s panicked: %v", filePath, r)
		}
	}()

	whence := io.SeekEnd
	if s.config.FromStart {
		whence = io.SeekStart
	}

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.metrics.IncFilesFailed()
		s.logger.Printf("Failed to tail file %s: %v", filePath, err)
		return
	}
	defer t.Cleanup()
	defer func() {
		_ = t.Stop()
	}()

	attributes := s.extractAttributes(filePath)

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.metrics.IncReadErrors()
				s.logger.Printf("Error reading from %s: %v", filePath, line.Err)
				continue
			}

			s.sink.Append(logging.LogEntry{
				Timestamp:  line.Time,
				Level:      detectLevel(line.Text),
				Message:    line.Text,
				Attributes: copyAttributes(attributes),
			})
			s.metrics.IncLinesRead()
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				s.metrics.IncFilesReleased()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// extractAttributes adds the node name, the file name and, for kubelet pod
// log paths (/var/log/pods/<ns>_<pod>_<uid>/<container>/N.log), the pod
// identity.
func (s *Tailer) extractAttributes(filePath string) map[string]interface{} {
	attributes := map[string]interface{}{
		"file": filepath.Base(filePath),
	}
	if s.config.NodeName != "" {
		attributes["node"] = s.config.NodeName
	}

	parts := strings.Split(filepath.ToSlash(filePath), "/")
	if len(parts) < 3 {
		return attributes
	}
	podDir := parts[len(parts)-3]
	podParts := strings.Split(podDir, "_")
	if len(podParts) == 3 {
		attributes["namespace"] = podParts[0]
		attributes["pod"] = podParts[1]
		attributes["pod_uid"] = podParts[2]
		attributes["container"] = parts[len(parts)-2]
	}

	return attributes
}

func copyAttributes(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var levelPattern = regexp.MustCompile(`(?i)\b(trace|debug|info|warn|warning|error|fatal|panic|critical)\b`)

// detectLevel picks the first severity keyword of the line, INFO otherwise.
func detectLevel(line string) string {
	match := levelPattern.FindString(line)
	switch strings.ToLower(match) {
	case "":
		return "INFO"
	case "warning":
		return "WARN"
	case "panic", "critical":
		return "FATAL"
	default:
		return strings.ToUpper(match)
	}
}
