package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/models"
	"depthflow/writer"
)

const Exchange = "binance"

const defaultReconnectDelay = 5 * time.Second

// serveFunc matches futures.WsDiffDepthServeWithRate.
type serveFunc func(symbol string, rate time.Duration, handler futures.WsDepthHandler, errHandler futures.ErrHandler) (doneC, stopC chan struct{}, err error)

// DepthRecorder streams futures diff depth for a set of symbols and turns
// every event into a raw line for the writer of that symbol. Sends block,
// so a slow writer slows the stream instead of losing events.
type DepthRecorder struct {
	symbols        []string
	interval       time.Duration
	queues         map[string]chan<- models.WriteItem
	serve          serveFunc
	now            func() time.Time
	reconnectDelay time.Duration
	wg             sync.WaitGroup
	log            *logger.Log
}

// NewDepthRecorder returns a recorder feeding queues, keyed by upper-case
// symbol. Every configured symbol needs a queue.
func NewDepthRecorder(cfg appconfig.RecorderConfig, queues map[string]chan<- models.WriteItem) (*DepthRecorder, error) {
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if _, ok := queues[s]; !ok {
			return nil, fmt.Errorf("no writer queue for symbol %s", s)
		}
		symbols = append(symbols, s)
	}
	return &DepthRecorder{
		symbols:        symbols,
		interval:       time.Duration(cfg.IntervalMs) * time.Millisecond,
		queues:         queues,
		serve:          futures.WsDiffDepthServeWithRate,
		now:            time.Now,
		reconnectDelay: defaultReconnectDelay,
		log:            logger.GetLogger(),
	}, nil
}

// Run records until ctx is cancelled. When it returns every queue has been
// closed, which tells the writers to finalize.
func (r *DepthRecorder) Run(ctx context.Context) {
	log := r.log.WithComponent("binance_depth_recorder")
	log.WithFields(logger.Fields{
		"symbols":  r.symbols,
		"interval": r.interval.String(),
	}).Info("starting depth recorder")

	for _, symbol := range r.symbols {
		r.wg.Add(1)
		go r.record(ctx, symbol)
	}
	r.wg.Wait()

	log.Info("depth recorder stopped")
}

// record keeps one symbol subscribed, resubscribing with a fresh conn_id
// whenever the stream drops, and closes the symbol's queue on exit.
func (r *DepthRecorder) record(ctx context.Context, symbol string) {
	defer r.wg.Done()
	queue := r.queues[symbol]
	defer close(queue)

	log := r.log.WithComponent("binance_depth_recorder").WithFields(logger.Fields{"symbol": symbol})

	for ctx.Err() == nil {
		connID := uuid.NewString()
		r.stream(ctx, symbol, connID, queue, log.WithFields(logger.Fields{"conn_id": connID}))
		if ctx.Err() != nil {
			return
		}
		log.WithFields(logger.Fields{"delay": r.reconnectDelay.String()}).Warn("depth stream ended, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reconnectDelay):
		}
	}
}

func (r *DepthRecorder) stream(ctx context.Context, symbol, connID string, queue chan<- models.WriteItem, log *logger.Entry) {
	connJSON, _ := json.Marshal(connID)

	handler := func(event *futures.WsDepthEvent) {
		item, err := depthRecord(event, connJSON, r.now())
		if err != nil {
			log.WithError(err).Warn("failed to encode depth event")
			return
		}
		select {
		case queue <- item:
			if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
				logger.LogDataFlowEntry(log, "binance_ws", "rotating_writer", len(event.Bids)+len(event.Asks), "depth_levels")
			}
		case <-ctx.Done():
		}
	}
	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	doneC, stopC, err := r.serve(symbol, r.interval, handler, errHandler)
	if err != nil {
		log.WithError(err).Error("failed to subscribe to diff depth stream")
		return
	}
	log.Info("subscribed to diff depth stream")

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
	case <-doneC:
	}
}

// depthRecord builds the raw line of one event. The bucket is the receive
// minute so files follow local wall-clock time.
func depthRecord(event *futures.WsDepthEvent, connID json.RawMessage, recv time.Time) (models.WriteItem, error) {
	rec := models.RawDepthDelta{
		Exchange:      Exchange,
		Symbol:        event.Symbol,
		ConnID:        connID,
		RecvTsNs:      recv.UnixNano(),
		EventTsMs:     event.Time,
		FirstUpdateID: event.FirstUpdateID,
		LastUpdateID:  event.LastUpdateID,
		Bids:          make([][]string, 0, len(event.Bids)),
		Asks:          make([][]string, 0, len(event.Asks)),
	}
	for _, b := range event.Bids {
		rec.Bids = append(rec.Bids, []string{b.Price, b.Quantity})
	}
	for _, a := range event.Asks {
		rec.Asks = append(rec.Asks, []string{a.Price, a.Quantity})
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return models.WriteItem{}, err
	}
	return models.WriteItem{
		Bucket: writer.MinuteBucket(recv),
		Line:   append(line, '\n'),
	}, nil
}
