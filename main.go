package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
	"depthflow/reader/binance"
	"depthflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if !cfg.Recorder.Enabled {
		log.WithComponent("main").Error("recorder is disabled in configuration")
		os.Exit(1)
	}
	if !strings.EqualFold(cfg.Recorder.Exchange, binance.Exchange) {
		log.WithFields(logger.Fields{"exchange": cfg.Recorder.Exchange}).Error("unsupported recorder exchange")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"data_dir":    cfg.Data.Dir,
	}).Info("starting depth recorder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	writers := startWriters(cfg, cancel)

	recorder, err := binance.NewDepthRecorder(cfg.Recorder, writers.queues)
	if err != nil {
		log.WithError(err).Error("failed to create depth recorder")
		os.Exit(1)
	}

	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
		log.Error("writer failed, shutting down recorder")
	}

	log.Info("starting graceful shutdown")
	cancel()
	<-recorderDone

	done := make(chan struct{})
	go func() {
		writers.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	for symbol, w := range writers.writers {
		st := w.Stats()
		log.WithFields(logger.Fields{
			"symbol":          symbol,
			"items":           st.Items,
			"flushes":         st.Flushes,
			"files_finalized": st.FilesFinalized,
			"bytes":           st.BytesWritten,
		}).Info("writer stats")
	}

	warns, errs := logger.Counts()
	log.WithFields(logger.Fields{"warnings": warns, "errors": errs}).Info("depthflow recorder stopped")
	if writers.failed.Load() {
		os.Exit(1)
	}
}

// writerGroup is one rotating writer and queue per recorded symbol.
type writerGroup struct {
	queues  map[string]chan<- models.WriteItem
	writers map[string]*writer.RotatingWriter
	wg      sync.WaitGroup
	failed  atomic.Bool
}

// startWriters launches the writers on a background context: they stop when
// the recorder closes their queue, after draining it. A writer that stops on
// an error calls stop, since nothing would drain its queue any more.
func startWriters(cfg *config.Config, stop context.CancelFunc) *writerGroup {
	log := logger.GetLogger()
	g := &writerGroup{
		queues:  make(map[string]chan<- models.WriteItem, len(cfg.Recorder.Symbols)),
		writers: make(map[string]*writer.RotatingWriter, len(cfg.Recorder.Symbols)),
	}
	for _, s := range cfg.Recorder.Symbols {
		symbol := strings.ToUpper(strings.TrimSpace(s))
		dir := filepath.Join(cfg.Data.Dir, binance.Exchange, symbol, "raw")
		w := writer.NewRotatingWriter(dir, writer.MinuteFilename, writer.Options{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		})
		q := make(chan models.WriteItem, cfg.Writer.QueueSize)
		g.queues[symbol] = q
		g.writers[symbol] = w

		g.wg.Add(1)
		go func(symbol string, w *writer.RotatingWriter, q <-chan models.WriteItem) {
			defer g.wg.Done()
			if err := writer.Run(context.Background(), w, q); err != nil {
				log.WithFields(logger.Fields{"symbol": symbol}).WithError(err).Error("writer stopped with error")
				g.failed.Store(true)
				stop()
			}
		}(symbol, w, q)
	}
	return g
}
