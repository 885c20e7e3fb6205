package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/processor"
	"depthflow/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	baseDir := flag.String("base", "", "Data tree to scan for <exchange>/<symbol>/raw (defaults to data.dir)")
	rawDir := flag.String("raw", "", "Single raw directory to process")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel)

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

	opts := processor.OptionsFromConfig(cfg)
	if cfg.Storage.S3.Enabled {
		archiver, err := writer.NewS3Archiver(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 archiver")
			os.Exit(1)
		}
		opts.Archiver = archiver
	}

	n, err := processor.NewNormalizer(opts)
	if err != nil {
		log.WithError(err).Error("failed to create normalizer")
		os.Exit(1)
	}

	start := time.Now()
	var res processor.BatchResult
	switch {
	case *rawDir != "":
		log.WithFields(logger.Fields{"raw_dir": *rawDir, "run_id": n.RunID()}).Info("normalizing raw dir")
		res, err = n.ProcessRawDir(ctx, *rawDir)
	default:
		base := *baseDir
		if base == "" {
			base = cfg.Data.Dir
		}
		log.WithFields(logger.Fields{"base_dir": base, "run_id": n.RunID()}).Info("normalizing data tree")
		res, err = n.DiscoverAndProcess(ctx, base)
	}

	log.WithFields(logger.Fields{
		"processed":   res.Processed,
		"skipped":     res.Skipped,
		"failed":      res.Failed,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("normalization finished")
	log.LogMetric("batch_driver", "files_failed", res.Failed, "gauge", nil)

	if err != nil {
		log.WithError(err).Error("normalization aborted")
		os.Exit(1)
	}
	if res.Failed > 0 || len(res.Errors) > 0 {
		log.WithError(res.Err()).Error("some raw files failed")
		os.Exit(1)
	}
}

func handleShutdown(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	cancel()
}
