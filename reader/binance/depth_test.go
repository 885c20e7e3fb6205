package binance

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"depthflow/config"
	"depthflow/models"
)

func sampleEvent() *futures.WsDepthEvent {
	return &futures.WsDepthEvent{
		Event:         "depthUpdate",
		Time:          1700000000123,
		Symbol:        "BTCUSDT",
		FirstUpdateID: 100,
		LastUpdateID:  105,
		Bids:          []futures.Bid{{Price: "100.10", Quantity: "1.5"}},
		Asks:          []futures.Ask{{Price: "100.20", Quantity: "0"}},
	}
}

func TestDepthRecord(t *testing.T) {
	recv := time.Date(2024, 1, 1, 0, 1, 30, 0, time.UTC)
	item, err := depthRecord(sampleEvent(), json.RawMessage(`"conn-1"`), recv)
	if err != nil {
		t.Fatalf("depthRecord: %v", err)
	}
	if item.Bucket != recv.Unix()/60 {
		t.Errorf("bucket = %d", item.Bucket)
	}
	if n := len(item.Line); n == 0 || item.Line[n-1] != '\n' {
		t.Fatalf("line not newline terminated: %q", item.Line)
	}

	var rec models.RawDepthDelta
	if err := json.Unmarshal(item.Line, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Exchange != "binance" || rec.Symbol != "BTCUSDT" || string(rec.ConnID) != `"conn-1"` {
		t.Errorf("header = %+v", rec)
	}
	if rec.RecvTsNs != recv.UnixNano() || rec.EventTsMs != 1700000000123 {
		t.Errorf("times = %d/%d", rec.RecvTsNs, rec.EventTsMs)
	}
	if rec.FirstUpdateID != 100 || rec.LastUpdateID != 105 {
		t.Errorf("ids = %d/%d", rec.FirstUpdateID, rec.LastUpdateID)
	}
	if len(rec.Bids) != 1 || rec.Bids[0][0] != "100.10" || rec.Bids[0][1] != "1.5" {
		t.Errorf("bids = %v", rec.Bids)
	}
	if len(rec.Asks) != 1 || rec.Asks[0][1] != "0" {
		t.Errorf("asks = %v", rec.Asks)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(item.Line, &keys); err != nil {
		t.Fatal(err)
	}
	for _, k := range models.RawDepthDeltaKeys {
		if _, ok := keys[k]; !ok {
			t.Errorf("raw line missing %q", k)
		}
	}
}

func TestDepthRecordEmptySides(t *testing.T) {
	ev := sampleEvent()
	ev.Bids, ev.Asks = nil, nil
	item, err := depthRecord(ev, json.RawMessage(`"c"`), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(item.Line, &keys); err != nil {
		t.Fatal(err)
	}
	if string(keys["b"]) != "[]" || string(keys["a"]) != "[]" {
		t.Errorf("empty sides = %s / %s", keys["b"], keys["a"])
	}
}

func TestNewDepthRecorderRequiresQueues(t *testing.T) {
	cfg := config.RecorderConfig{Symbols: []string{"btcusdt", "ETHUSDT"}, IntervalMs: 100}
	q := make(chan models.WriteItem)
	if _, err := NewDepthRecorder(cfg, map[string]chan<- models.WriteItem{"BTCUSDT": q}); err == nil {
		t.Errorf("expected error for missing ETHUSDT queue")
	}
}

// fakeStream delivers events on subscribe and ends when stopped.
type fakeStream struct {
	mu     sync.Mutex
	events []*futures.WsDepthEvent
	subs   int
}

func (f *fakeStream) serve(symbol string, rate time.Duration, handler futures.WsDepthHandler, _ futures.ErrHandler) (chan struct{}, chan struct{}, error) {
	f.mu.Lock()
	f.subs++
	f.mu.Unlock()

	doneC := make(chan struct{})
	stopC := make(chan struct{})
	go func() {
		defer close(doneC)
		for _, ev := range f.events {
			handler(ev)
		}
		<-stopC
	}()
	return doneC, stopC, nil
}

func TestDepthRecorderRunClosesQueues(t *testing.T) {
	q := make(chan models.WriteItem, 8)
	r, err := NewDepthRecorder(
		config.RecorderConfig{Symbols: []string{"BTCUSDT"}, IntervalMs: 100},
		map[string]chan<- models.WriteItem{"BTCUSDT": q},
	)
	if err != nil {
		t.Fatalf("NewDepthRecorder: %v", err)
	}
	fake := &fakeStream{events: []*futures.WsDepthEvent{sampleEvent(), sampleEvent()}}
	r.serve = fake.serve
	r.now = func() time.Time { return time.Unix(600, 0) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	var got []models.WriteItem
	for len(got) < 2 {
		select {
		case item := <-q:
			got = append(got, item)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for items")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if _, ok := <-q; ok {
		t.Errorf("queue not closed")
	}
	for _, item := range got {
		if item.Bucket != 10 {
			t.Errorf("bucket = %d, want 10", item.Bucket)
		}
	}
	var first struct {
		ConnID string `json:"conn_id"`
	}
	if err := json.Unmarshal(got[0].Line, &first); err != nil || first.ConnID == "" {
		t.Errorf("conn_id missing: %v", err)
	}
}
