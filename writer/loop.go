package writer

import (
	"context"
	"errors"
	"fmt"

	"depthflow/logger"
	"depthflow/models"
)

// Run drains items into w in arrival order until the channel is closed,
// ctx is cancelled or a write fails. The open bucket is finalized on every
// exit path. Items still queued when ctx is cancelled are not written.
func Run(ctx context.Context, w *RotatingWriter, items <-chan models.WriteItem) (err error) {
	log := logger.GetLogger().WithComponent("writer_loop").WithFields(logger.Fields{"dir": w.dir})

	defer func() {
		if cerr := w.Close(); cerr != nil {
			log.WithError(cerr).Error("final close failed")
			err = errors.Join(err, fmt.Errorf("close writer: %w", cerr))
		}
		st := w.Stats()
		log.WithFields(logger.Fields{
			"items":           st.Items,
			"flushes":         st.Flushes,
			"files_finalized": st.FilesFinalized,
			"bytes_written":   st.BytesWritten,
		}).Info("writer loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case item, ok := <-items:
			if !ok {
				return nil
			}
			if err := w.Write(item); err != nil {
				log.WithError(err).Error("write failed")
				return err
			}
		}
	}
}
