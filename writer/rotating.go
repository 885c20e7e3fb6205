package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
)

const (
	DefaultBatchSize     = 2000
	DefaultFlushInterval = 500 * time.Millisecond

	tmpSuffix = ".tmp"
)

// FilenameFunc maps a bucket id to the final file name inside the writer's
// directory. It must be pure.
type FilenameFunc func(bucket int64) string

// Options tunes the batching policy of a RotatingWriter.
type Options struct {
	// BatchSize is the number of buffered lines that forces a flush.
	BatchSize int
	// FlushInterval is the age of the last flush that forces a flush on
	// the next Write.
	FlushInterval time.Duration
	// Now is the wall clock; tests replace it.
	Now func() time.Time
}

// Stats counts what a RotatingWriter has done so far.
type Stats struct {
	Items          int64
	Flushes        int64
	FilesFinalized int64
	BytesWritten   int64
}

// RotatingWriter appends lines to one file per bucket. Lines go to
// "<name>.tmp" and the file is renamed to "<name>" only once the bucket is
// finalized, so a reader never sees a partial file under its final name.
//
// A RotatingWriter is not safe for concurrent use; Run gives it a single
// consumer goroutine.
type RotatingWriter struct {
	dir      string
	filename FilenameFunc
	opts     Options
	log      *logger.Log

	open      bool
	bucket    int64
	file      *os.File
	tmpPath   string
	finalPath string

	buffer    [][]byte
	lastFlush time.Time
	stats     Stats
}

func NewRotatingWriter(dir string, filename FilenameFunc, opts Options) *RotatingWriter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RotatingWriter{
		dir:       dir,
		filename:  filename,
		opts:      opts,
		log:       logger.GetLogger(),
		buffer:    make([][]byte, 0, opts.BatchSize),
		lastFlush: opts.Now(),
	}
}

// Write buffers item.Line for item.Bucket. A bucket change finalizes the
// previous bucket before the new temp file is opened.
func (w *RotatingWriter) Write(item models.WriteItem) error {
	if !w.open || item.Bucket != w.bucket {
		if err := w.finalize(); err != nil {
			return err
		}
		if err := w.openBucket(item.Bucket); err != nil {
			return err
		}
	}

	w.buffer = append(w.buffer, item.Line)
	w.stats.Items++
	metrics.AddWriterItem(len(item.Line))

	now := w.opts.Now()
	if len(w.buffer) >= w.opts.BatchSize || now.Sub(w.lastFlush) >= w.opts.FlushInterval {
		if err := w.flush(); err != nil {
			return err
		}
		w.lastFlush = now
	}
	return nil
}

// Close finalizes the open bucket, if any. After a failed Close the writer
// keeps its state and Close may be called again.
func (w *RotatingWriter) Close() error {
	return w.finalize()
}

// Bucket reports the open bucket.
func (w *RotatingWriter) Bucket() (int64, bool) {
	return w.bucket, w.open
}

// Buffered reports how many lines are held in memory.
func (w *RotatingWriter) Buffered() int {
	return len(w.buffer)
}

func (w *RotatingWriter) Stats() Stats {
	return w.stats
}

func (w *RotatingWriter) openBucket(bucket int64) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", w.dir, err)
	}
	name := w.filename(bucket)
	finalPath := filepath.Join(w.dir, name)
	tmpPath := finalPath + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file %s: %w", tmpPath, err)
	}

	w.file = f
	w.tmpPath = tmpPath
	w.finalPath = finalPath
	w.bucket = bucket
	w.open = true

	w.log.WithComponent("rotating_writer").WithFields(logger.Fields{
		"bucket": bucket,
		"file":   tmpPath,
	}).Debug("opened bucket")
	return nil
}

// flush writes the whole buffer to the temp file in one call.
func (w *RotatingWriter) flush() error {
	if len(w.buffer) == 0 {
		return nil
	}
	size := 0
	for _, line := range w.buffer {
		size += len(line)
	}
	chunk := make([]byte, 0, size)
	for _, line := range w.buffer {
		chunk = append(chunk, line...)
	}

	if _, err := w.file.Write(chunk); err != nil {
		return fmt.Errorf("write %s: %w", w.tmpPath, err)
	}

	w.buffer = w.buffer[:0]
	w.stats.Flushes++
	w.stats.BytesWritten += int64(size)
	metrics.IncWriterFlush()
	return nil
}

func (w *RotatingWriter) finalize() error {
	if !w.open {
		return nil
	}
	if err := w.flush(); err != nil {
		return err
	}
	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", w.tmpPath, err)
		}
		if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("close %s: %w", w.tmpPath, err)
		}
		w.file = nil
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("rename %s: %w", w.tmpPath, err)
	}

	w.log.WithComponent("rotating_writer").WithFields(logger.Fields{
		"bucket": w.bucket,
		"file":   w.finalPath,
	}).Info("bucket finalized")

	w.stats.FilesFinalized++
	metrics.IncWriterFinalized()

	w.open = false
	w.bucket = 0
	w.tmpPath = ""
	w.finalPath = ""
	return nil
}
