package processor

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	NormalizedDir = "normalized"
	PricesDir     = "prices"
	AuditDir      = "audit"

	normalizedSuffix = ".fp.jsonl"
	pricesSuffix     = ".prices.jsonl"
	parquetSuffix    = ".prices.parquet"
	auditSuffix      = ".audit.json"
	tmpSuffix        = ".tmp"
)

// OutputPaths names everything one pass produces for a raw file. Parquet is
// optional and never part of completeness.
type OutputPaths struct {
	Normalized string
	Prices     string
	Audit      string
	Parquet    string
}

// OutputsFor places the outputs of rawFile next to its raw directory:
// <symbol>/raw/<stem>.jsonl becomes <symbol>/normalized/<stem>.fp.jsonl and so on.
func OutputsFor(rawFile string) OutputPaths {
	symbolDir := filepath.Dir(filepath.Dir(rawFile))
	stem := strings.TrimSuffix(filepath.Base(rawFile), filepath.Ext(rawFile))
	return OutputPaths{
		Normalized: filepath.Join(symbolDir, NormalizedDir, stem+normalizedSuffix),
		Prices:     filepath.Join(symbolDir, PricesDir, stem+pricesSuffix),
		Audit:      filepath.Join(symbolDir, AuditDir, stem+auditSuffix),
		Parquet:    filepath.Join(symbolDir, PricesDir, stem+parquetSuffix),
	}
}

// State is how much of an output triple exists on disk.
type State int

const (
	Absent State = iota
	Partial
	Complete
)

func (s State) String() string {
	switch s {
	case Complete:
		return "complete"
	case Partial:
		return "partial"
	default:
		return "absent"
	}
}

// Completeness reports whether the normalized, prices and audit files all
// exist. Only Complete means the raw file can be skipped.
func Completeness(out OutputPaths) State {
	present := 0
	for _, p := range []string{out.Normalized, out.Prices, out.Audit} {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			present++
		}
	}
	switch present {
	case 3:
		return Complete
	case 0:
		return Absent
	default:
		return Partial
	}
}
