package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/DatadogLogShipper/internal/logging/datadog"
)

type AppConfig struct {
	Transport string `yaml:"transport"`
	APIKey    string `yaml:"api_key"`
	URL       string `yaml:"url"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	UseTLS    bool   `yaml:"use_tls"`
	Compress  bool   `yaml:"compress"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	Source   string   `yaml:"source"`
	Service  string   `yaml:"service"`
	Hostname string   `yaml:"hostname"`
	Tags     []string `yaml:"tags"`

	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ReportInterval  time.Duration `yaml:"report_interval"`

	LogPaths        []string      `yaml:"log_paths"`
	FromStart       bool          `yaml:"from_start"`
	NodeName        string        `yaml:"node_name"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	FileIdleTimeout time.Duration `yaml:"file_idle_timeout"`
	LockFile        string        `yaml:"lock_file"`
}

func defaultConfig() AppConfig {
	hostname, _ := os.Hostname()
	return AppConfig{
		Transport:       datadog.TransportHTTP,
		URL:             datadog.DefaultURL,
		Host:            datadog.DefaultHost,
		UseTLS:          true,
		Source:          "go",
		Hostname:        hostname,
		FlushInterval:   2 * time.Second,
		MaxBackoff:      datadog.DefaultMaxBackoff,
		RequestTimeout:  5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		ReportInterval:  30 * time.Second,
		LogPaths:        []string{"/var/log/pods/*/*/*.log"},
		NodeName:        "unknown",
		ScanInterval:    30 * time.Second,
		FileIdleTimeout: 5 * time.Minute,
		LockFile:        "/var/run/datadog-log-shipper.lock",
	}
}

// loadConfig layers defaults, the optional YAML file, environment variables
// and command-line flags, in that order.
func loadConfig(args []string) (AppConfig, error) {
	configPath := getEnv("CONFIG_FILE", "")

	pre := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.StringVar(&configPath, "config", configPath, "")
	pre.BoolP("help", "h", false, "")
	if err := pre.Parse(args); err != nil {
		return AppConfig{}, err
	}

	config := defaultConfig()
	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return AppConfig{}, err
		}
	}
	applyEnv(&config)

	flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flagSet.String("config", configPath, "path to a YAML configuration file")
	bindFlags(flagSet, &config)
	if err := flagSet.Parse(args); err != nil {
		return AppConfig{}, err
	}

	return config, config.validate()
}

func loadConfigFile(path string, config *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

func applyEnv(c *AppConfig) {
	c.Transport = getEnv("DD_TRANSPORT", c.Transport)
	c.APIKey = getEnv("DD_API_KEY", c.APIKey)
	c.URL = getEnv("DD_URL", c.URL)
	c.Host = getEnv("DD_HOST", c.Host)
	c.Port = getEnvAsInt("DD_PORT", c.Port)
	c.UseTLS = getEnvAsBool("DD_USE_TLS", c.UseTLS)
	c.Compress = getEnvAsBool("DD_COMPRESS", c.Compress)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubject = getEnv("NATS_SUBJECT", c.NATSSubject)
	c.Source = getEnv("DD_SOURCE", c.Source)
	c.Service = getEnv("DD_SERVICE", c.Service)
	c.Hostname = getEnv("DD_HOSTNAME", c.Hostname)
	c.Tags = getEnvAsList("DD_TAGS", c.Tags)
	c.FlushInterval = getEnvAsDuration("FLUSH_INTERVAL", c.FlushInterval)
	c.BatchSize = getEnvAsInt("BATCH_SIZE", c.BatchSize)
	c.MaxRetries = getEnvAsInt("MAX_RETRIES", c.MaxRetries)
	c.MaxBackoff = getEnvAsDuration("MAX_BACKOFF", c.MaxBackoff)
	c.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.ReportInterval = getEnvAsDuration("REPORT_INTERVAL", c.ReportInterval)
	c.LogPaths = getEnvAsList("LOG_PATHS", c.LogPaths)
	c.FromStart = getEnvAsBool("FROM_START", c.FromStart)
	c.NodeName = getEnv("NODE_NAME", c.NodeName)
	c.ScanInterval = getEnvAsDuration("SCAN_INTERVAL", c.ScanInterval)
	c.FileIdleTimeout = getEnvAsDuration("FILE_IDLE_TIMEOUT", c.FileIdleTimeout)
	c.LockFile = getEnv("LOCK_FILE", c.LockFile)
}

func bindFlags(fs *pflag.FlagSet, c *AppConfig) {
	fs.StringVar(&c.Transport, "transport", c.Transport, "delivery transport: http, tcp or nats")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "Datadog API key")
	fs.StringVar(&c.URL, "url", c.URL, "HTTP intake base URL")
	fs.StringVar(&c.Host, "host", c.Host, "TCP intake host")
	fs.IntVar(&c.Port, "port", c.Port, "TCP intake port (0 picks the default for --use-tls)")
	fs.BoolVar(&c.UseTLS, "use-tls", c.UseTLS, "encrypt the TCP stream")
	fs.BoolVar(&c.Compress, "compress", c.Compress, "gzip HTTP request bodies")
	fs.StringVar(&c.NATSURL, "nats-url", c.NATSURL, "NATS server URL for the nats transport")
	fs.StringVar(&c.NATSSubject, "nats-subject", c.NATSSubject, "NATS subject for the nats transport")
	fs.StringVar(&c.Source, "source", c.Source, "ddsource attached to every record")
	fs.StringVar(&c.Service, "service", c.Service, "service attached to every record")
	fs.StringVar(&c.Hostname, "hostname", c.Hostname, "host attached to every record")
	fs.StringSliceVar(&c.Tags, "tags", c.Tags, "comma separated ddtags")
	fs.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "period between two flushes")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "flush early once this many entries are buffered (0 disables)")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "attempts per payload (0 uses the transport default)")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", c.MaxBackoff, "ceiling of the delay between attempts")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout of a single HTTP attempt")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "how long the final flush may take")
	fs.DurationVar(&c.ReportInterval, "report-interval", c.ReportInterval, "period of the metrics log line (0 disables)")
	fs.StringSliceVar(&c.LogPaths, "log-paths", c.LogPaths, "glob patterns of files to tail")
	fs.BoolVar(&c.FromStart, "from-start", c.FromStart, "read newly discovered files from the beginning")
	fs.StringVar(&c.NodeName, "node-name", c.NodeName, "node attribute attached to tailed lines")
	fs.DurationVar(&c.ScanInterval, "scan-interval", c.ScanInterval, "period of the log file discovery")
	fs.DurationVar(&c.FileIdleTimeout, "file-idle-timeout", c.FileIdleTimeout, "stop tailing files idle for this long (0 disables)")
	fs.StringVar(&c.LockFile, "lock-file", c.LockFile, "single instance lock file (empty disables)")
}

func (c AppConfig) validate() error {
	switch strings.ToLower(c.Transport) {
	case datadog.TransportHTTP, datadog.TransportTCP:
		if c.APIKey == "" {
			return errors.New("an API key is required (DD_API_KEY or --api-key)")
		}
	case transportNATS:
	default:
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	if c.FlushInterval <= 0 {
		return errors.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	if len(c.LogPaths) == 0 {
		return errors.New("at least one log path is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
