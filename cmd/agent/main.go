package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Chichichkin/DatadogLogShipper/internal/daemon"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/batch"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/datadog"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/formatter"
	"github.com/Chichichkin/DatadogLogShipper/internal/logging/natsfwd"
)

const transportNATS = "nats"

func main() {
	config, err := loadConfig(os.Args[1:])
	if err == pflag.ErrHelp {
		return
	}
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, config); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

func run(ctx context.Context, config AppConfig) error {
	logger := log.Default()

	if config.LockFile != "" {
		lock, err := daemon.AcquireLock(config.LockFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				logger.Printf("Failed to release lock %s: %v", config.LockFile, err)
			}
		}()
	}

	agent, err := StartDaemon(ctx, config, logger)
	if err != nil {
		return err
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-signalChan:
		logger.Println("Received shutdown signal")
	case <-ctx.Done():
	}

	logger.Println("Shutting down...")
	agent.Shutdown(config)
	return nil
}

type Agent struct {
	tailer    *daemon.Tailer
	processor *batch.Processor
}

func StartDaemon(ctx context.Context, config AppConfig, logger *log.Logger) (*Agent, error) {
	metrics := &logging.Metrics{}

	client, err := newClient(config, metrics, logger)
	if err != nil {
		return nil, err
	}

	batchConfig := logging.Config{
		FlushInterval:  config.FlushInterval,
		BatchSize:      config.BatchSize,
		ReportInterval: config.ReportInterval,
	}
	processor := batch.NewBatchProcessor(ctx, client, batchConfig, metrics, logger)
	processor.Start()

	tailerConfig := daemon.Config{
		LogPaths:        config.LogPaths,
		ScanInterval:    config.ScanInterval,
		NodeName:        config.NodeName,
		FileIdleTimeout: config.FileIdleTimeout,
		FromStart:       config.FromStart,
	}
	tailer := daemon.NewTailer(ctx, tailerConfig, processor, logger)
	tailer.Start()

	return &Agent{tailer: tailer, processor: processor}, nil
}

// Shutdown stops reading files first so the final flush sees every line
// already read.
func (a *Agent) Shutdown(config AppConfig) {
	a.tailer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := a.processor.Close(ctx); err != nil {
		log.Printf("Shutdown incomplete: %v", err)
	}
}

func newClient(config AppConfig, metrics *logging.Metrics, logger *log.Logger) (logging.Client, error) {
	f := formatter.NewDatadog(config.Source, config.Service, config.Hostname, config.Tags)

	if strings.ToLower(config.Transport) == transportNATS {
		return natsfwd.New(natsfwd.Config{
			URL:        config.NATSURL,
			Subject:    config.NATSSubject,
			MaxRetries: config.MaxRetries,
			MaxBackoff: config.MaxBackoff,
		}, f, metrics, logger)
	}

	return datadog.NewClient(datadog.ClientConfig{
		Transport:      config.Transport,
		APIKey:         config.APIKey,
		URL:            config.URL,
		Host:           config.Host,
		Port:           config.Port,
		UseTLS:         config.UseTLS,
		MaxRetries:     config.MaxRetries,
		MaxBackoff:     config.MaxBackoff,
		RequestTimeout: config.RequestTimeout,
		Compress:       config.Compress,
	}, f, metrics, logger)
}
