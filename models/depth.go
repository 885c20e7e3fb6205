package models

import (
	"encoding/json"

	"depthflow/fixedpoint"
)

// WriteItem is one raw line destined for the file of its bucket.
type WriteItem struct {
	Bucket int64
	Line   []byte
}

// RawDepthDelta is the line format recorded from the exchange feed.
// Levels are [price, qty] decimal strings exactly as the exchange sent them.
type RawDepthDelta struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	ConnID        json.RawMessage `json:"conn_id"`
	RecvTsNs      int64           `json:"recv_ts_ns"`
	EventTsMs     int64           `json:"event_ts_ms"`
	FirstUpdateID int64           `json:"U"`
	LastUpdateID  int64           `json:"u"`
	Bids          [][]string      `json:"b"`
	Asks          [][]string      `json:"a"`
}

// RawDepthDeltaKeys lists the keys a raw line must carry to be a depth delta.
var RawDepthDeltaKeys = []string{
	"exchange",
	"symbol",
	"conn_id",
	"recv_ts_ns",
	"event_ts_ms",
	"U",
	"u",
	"b",
	"a",
}

// NormalizedDelta is a RawDepthDelta with nanosecond event time and
// fixed-point [price_fp, qty_fp] levels.
type NormalizedDelta struct {
	Exchange      string             `json:"exchange"`
	Symbol        string             `json:"symbol"`
	ConnID        json.RawMessage    `json:"conn_id"`
	RecvTsNs      int64              `json:"recv_ts_ns"`
	EventTsNs     int64              `json:"event_ts_ns"`
	FirstUpdateID int64              `json:"U"`
	LastUpdateID  int64              `json:"u"`
	Bids          []fixedpoint.Level `json:"b"`
	Asks          []fixedpoint.Level `json:"a"`
}

// BestPriceSnapshot is the top of book after applying one delta. Scales are
// carried on every record so readers need no external configuration.
type BestPriceSnapshot struct {
	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"`
	RecvTsNs   int64  `json:"recv_ts_ns"`
	EventTsNs  int64  `json:"event_ts_ns"`
	BestBid    int64  `json:"best_bid"`
	BidSize    int64  `json:"bid_sz"`
	BestAsk    int64  `json:"best_ask"`
	AskSize    int64  `json:"ask_sz"`
	Mid        int64  `json:"mid"`
	Micro      int64  `json:"micro"`
	PriceScale int64  `json:"price_scale"`
	QtyScale   int64  `json:"qty_scale"`
}

// Gap describes a break in update-id continuity. PrevU is the last update id
// before the break, Line the 1-based raw line that broke it.
type Gap struct {
	PrevU         int64 `json:"prev_u"`
	FirstUpdateID int64 `json:"U"`
	LastUpdateID  int64 `json:"u"`
	Line          int64 `json:"line"`
}

// AuditStats counts what happened to every raw line of one file.
// RawLines == BadJSON + SkippedSchema + NormalizeErrors + KeptLines.
type AuditStats struct {
	RawLines        int64 `json:"raw_lines"`
	KeptLines       int64 `json:"kept_lines"`
	BadJSON         int64 `json:"bad_json"`
	SkippedSchema   int64 `json:"skipped_schema"`
	NormalizeErrors int64 `json:"normalize_errors"`
	ContinuityOK    bool  `json:"continuity_ok"`
	Gaps            int64 `json:"gaps"`
	FirstGap        *Gap  `json:"first_gap"`
}

// AuditRecord is the document persisted once a raw file has been processed.
type AuditRecord struct {
	RawFile        string     `json:"raw_file"`
	NormalizedFile string     `json:"normalized_file"`
	PricesFile     string     `json:"prices_file"`
	CreatedAtUnix  int64      `json:"created_at_unix"`
	RunID          string     `json:"run_id"`
	Stats          AuditStats `json:"stats"`
}
