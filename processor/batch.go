package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/writer"
)

// RawDir is the directory under <exchange>/<symbol> the recorder writes to.
const RawDir = "raw"

// BatchResult summarizes a batch run. Errors holds one wrapped error per
// failed file.
type BatchResult struct {
	Processed int
	Skipped   int
	Failed    int
	Errors    []error
}

func (r *BatchResult) add(o BatchResult) {
	r.Processed += o.Processed
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Errors = append(r.Errors, o.Errors...)
}

// Err joins all per-file errors, or returns nil.
func (r BatchResult) Err() error {
	return errors.Join(r.Errors...)
}

// ListRawFiles returns the finalized raw files of rawDir in lexical order,
// which for minute file names is time order. Temp files never match.
func ListRawFiles(rawDir string) ([]string, error) {
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return nil, fmt.Errorf("list raw dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, writer.RawFilePrefix) || !strings.HasSuffix(name, writer.RawFileSuffix) {
			continue
		}
		path := filepath.Join(rawDir, name)
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// ProcessRawDir normalizes every raw file of rawDir whose outputs are not
// complete yet. Files are spread over the configured workers; a failing file
// is logged and counted but does not stop the others.
func (n *Normalizer) ProcessRawDir(ctx context.Context, rawDir string) (BatchResult, error) {
	var result BatchResult
	start := time.Now()

	rawDir, err := filepath.Abs(rawDir)
	if err != nil {
		return result, fmt.Errorf("resolve raw dir: %w", err)
	}
	log := n.log.WithComponent("batch_driver").WithFields(logger.Fields{
		"raw_dir": rawDir,
		"run_id":  n.runID,
	})

	symbolDir := filepath.Dir(rawDir)
	for _, dir := range []string{NormalizedDir, PricesDir, AuditDir} {
		if err := os.MkdirAll(filepath.Join(symbolDir, dir), 0o755); err != nil {
			return result, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}

	files, err := ListRawFiles(rawDir)
	if err != nil {
		return result, err
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan string)
	)

	workers := n.workers
	if workers > len(files) {
		workers = len(files)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for rawFile := range jobs {
				res := n.processOne(ctx, rawFile)
				if res.Failed > 0 {
					log.WithFields(logger.Fields{
						"worker_id": workerID,
						"raw_file":  rawFile,
					}).WithError(res.Errors[0]).Error("raw file failed")
				}
				mu.Lock()
				result.add(res)
				mu.Unlock()
			}
		}(i)
	}

feed:
	for _, f := range files {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- f:
		}
	}
	close(jobs)
	wg.Wait()

	log.WithFields(logger.Fields{
		"files":     len(files),
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	}).Info("raw dir done")
	logger.LogPerformanceEntry(log, "batch_driver", "process_raw_dir", time.Since(start), nil)

	return result, ctx.Err()
}

func (n *Normalizer) processOne(ctx context.Context, rawFile string) BatchResult {
	out := OutputsFor(rawFile)
	if Completeness(out) == Complete {
		metrics.IncNormalizerFile(metrics.ResultSkipped)
		return BatchResult{Skipped: 1}
	}
	if _, err := n.ProcessFile(ctx, rawFile, out); err != nil {
		metrics.IncNormalizerFile(metrics.ResultFailed)
		return BatchResult{Failed: 1, Errors: []error{fmt.Errorf("%s: %w", rawFile, err)}}
	}
	metrics.IncNormalizerFile(metrics.ResultProcessed)
	return BatchResult{Processed: 1}
}

// DiscoverAndProcess runs ProcessRawDir for every <exchange>/<symbol>/raw
// directory under baseDir, in name order. A directory that cannot be
// processed at all is recorded in the result and skipped.
func (n *Normalizer) DiscoverAndProcess(ctx context.Context, baseDir string) (BatchResult, error) {
	var result BatchResult

	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return result, fmt.Errorf("resolve base dir: %w", err)
	}
	log := n.log.WithComponent("batch_driver").WithFields(logger.Fields{"base_dir": baseDir})

	exchanges, err := subdirs(baseDir)
	if err != nil {
		return result, fmt.Errorf("list base dir: %w", err)
	}
	for _, exchangeDir := range exchanges {
		symbols, err := subdirs(exchangeDir)
		if err != nil {
			log.WithError(err).Warn("cannot list exchange dir")
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", exchangeDir, err))
			continue
		}
		for _, symbolDir := range symbols {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			rawDir := filepath.Join(symbolDir, RawDir)
			if _, err := os.Stat(rawDir); err != nil {
				continue
			}
			res, err := n.ProcessRawDir(ctx, rawDir)
			result.add(res)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				log.WithFields(logger.Fields{"raw_dir": rawDir}).WithError(err).Error("raw dir failed")
				result.Errors = append(result.Errors, fmt.Errorf("%s: %w", rawDir, err))
			}
		}
	}

	log.WithFields(logger.Fields{
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	}).Info("discovery done")
	return result, nil
}

// subdirs lists the directories directly under dir, following symlinks,
// sorted by name.
func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		fi, err := os.Stat(path)
		if err != nil || !fi.IsDir() {
			continue
		}
		out = append(out, path)
	}
	return out, nil
}
