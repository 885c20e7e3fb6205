package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"depthflow/fixedpoint"
	"depthflow/models"
)

type lineOutcome int

const (
	outcomeKept lineOutcome = iota
	outcomeBadJSON
	outcomeSchema
	outcomeNormalize
)

var (
	errNotObject    = errors.New("line is not a JSON object")
	errNull         = errors.New("value is null")
	errNotString    = errors.New("value is not a string")
	errLevelShape   = errors.New("level must hold at least price and quantity")
	errLevelValue   = errors.New("level value must be a string or number")
	errEventTsRange = errors.New("event_ts_ms out of range")
	errInvalidUTF8  = errors.New("line is not valid UTF-8")
)

// decodeLine runs parse, schema check and normalization for one raw line and
// reports which stage rejected it.
func (n *Normalizer) decodeLine(line []byte) (models.NormalizedDelta, lineOutcome, error) {
	// encoding/json would silently replace bad bytes with U+FFFD
	if !utf8.Valid(line) {
		return models.NormalizedDelta{}, outcomeBadJSON, errInvalidUTF8
	}
	var doc json.RawMessage
	if err := json.Unmarshal(line, &doc); err != nil {
		return models.NormalizedDelta{}, outcomeBadJSON, err
	}

	fields, ok := objectFields(doc)
	if !ok {
		return models.NormalizedDelta{}, outcomeSchema, errNotObject
	}
	for _, key := range models.RawDepthDeltaKeys {
		if _, ok := fields[key]; !ok {
			return models.NormalizedDelta{}, outcomeSchema, fmt.Errorf("missing key %q", key)
		}
	}

	d, err := n.normalize(fields)
	if err != nil {
		return models.NormalizedDelta{}, outcomeNormalize, err
	}
	return d, outcomeKept, nil
}

func objectFields(doc json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimLeft(doc, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func (n *Normalizer) normalize(f map[string]json.RawMessage) (models.NormalizedDelta, error) {
	var (
		d   models.NormalizedDelta
		err error
	)
	if d.Exchange, err = decodeString(f["exchange"]); err != nil {
		return d, fmt.Errorf("exchange: %w", err)
	}
	if d.Symbol, err = decodeString(f["symbol"]); err != nil {
		return d, fmt.Errorf("symbol: %w", err)
	}
	d.ConnID = append(json.RawMessage(nil), f["conn_id"]...)
	if d.RecvTsNs, err = decodeInt(f["recv_ts_ns"]); err != nil {
		return d, fmt.Errorf("recv_ts_ns: %w", err)
	}
	eventMs, err := decodeInt(f["event_ts_ms"])
	if err != nil {
		return d, fmt.Errorf("event_ts_ms: %w", err)
	}
	if eventMs > math.MaxInt64/1_000_000 || eventMs < math.MinInt64/1_000_000 {
		return d, errEventTsRange
	}
	d.EventTsNs = eventMs * 1_000_000
	if d.FirstUpdateID, err = decodeInt(f["U"]); err != nil {
		return d, fmt.Errorf("U: %w", err)
	}
	if d.LastUpdateID, err = decodeInt(f["u"]); err != nil {
		return d, fmt.Errorf("u: %w", err)
	}
	if d.Bids, err = n.decodeLevels(f["b"]); err != nil {
		return d, fmt.Errorf("b: %w", err)
	}
	if d.Asks, err = n.decodeLevels(f["a"]); err != nil {
		return d, fmt.Errorf("a: %w", err)
	}
	return d, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", errNotString
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func decodeInt(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, errNull
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// levelText returns the decimal text of a level element, which may be a
// JSON string or a bare JSON number.
func levelText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errLevelValue
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case c == '-' || (c >= '0' && c <= '9'):
		return string(raw), nil
	default:
		return "", errLevelValue
	}
}

func (n *Normalizer) decodeLevels(raw json.RawMessage) ([]fixedpoint.Level, error) {
	if isNull(raw) {
		return nil, errNull
	}
	var levels [][]json.RawMessage
	if err := json.Unmarshal(raw, &levels); err != nil {
		return nil, err
	}
	out := make([]fixedpoint.Level, 0, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			return nil, errLevelShape
		}
		p, err := levelText(lvl[0])
		if err != nil {
			return nil, err
		}
		q, err := levelText(lvl[1])
		if err != nil {
			return nil, err
		}
		l, err := fixedpoint.NormalizeLevel(n.price, n.qty, p, q)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
