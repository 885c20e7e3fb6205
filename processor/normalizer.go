package processor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	appconfig "depthflow/config"
	"depthflow/book"
	"depthflow/fixedpoint"
	"depthflow/internal/metrics"
	"depthflow/logger"
	"depthflow/models"
	"depthflow/writer"
)

const (
	readBufferSize = 1 << 20
	// ctx is polled every this many raw lines.
	cancelCheckEvery = 4096
)

// Archiver ships the files of a completed pass to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, files ...string) error
}

// PriceExport receives the same snapshots as the prices JSONL. Commit makes
// the export visible, Abort discards it.
type PriceExport interface {
	Write(s models.BestPriceSnapshot) error
	Commit() error
	Abort()
}

type NormalizerOptions struct {
	PriceScale int64
	QtyScale   int64
	// Precision is the significant-digit budget of the decimal codec.
	Precision  int
	MaxWorkers int

	Parquet            bool
	ParquetCompression string

	// Archiver is optional.
	Archiver Archiver
	// Now stamps created_at_unix; tests replace it.
	Now func() time.Time
	// RunID defaults to a fresh uuid.
	RunID string
}

// OptionsFromConfig maps the processor section of cfg onto NormalizerOptions.
func OptionsFromConfig(cfg *appconfig.Config) NormalizerOptions {
	return NormalizerOptions{
		PriceScale:         cfg.Processor.PriceScale,
		QtyScale:           cfg.Processor.QtyScale,
		Precision:          cfg.Processor.Precision,
		MaxWorkers:         cfg.Processor.MaxWorkers,
		Parquet:            cfg.Processor.Parquet.Enabled,
		ParquetCompression: cfg.Processor.Parquet.Compression,
	}
}

// Normalizer turns raw depth files into normalized deltas, a best-price
// series and an audit record. Passes over different files are independent,
// so one Normalizer can serve several workers.
type Normalizer struct {
	price       *fixedpoint.Codec
	qty         *fixedpoint.Codec
	workers     int
	parquet     bool
	compression string
	archiver    Archiver
	now         func() time.Time
	runID       string
	log         *logger.Log
}

func NewNormalizer(cfg NormalizerOptions) (*Normalizer, error) {
	if cfg.Precision <= 0 {
		cfg.Precision = fixedpoint.DefaultPrecision
	}
	price, err := fixedpoint.New(cfg.PriceScale, cfg.Precision)
	if err != nil {
		return nil, fmt.Errorf("price codec: %w", err)
	}
	qty, err := fixedpoint.New(cfg.QtyScale, cfg.Precision)
	if err != nil {
		return nil, fmt.Errorf("qty codec: %w", err)
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return &Normalizer{
		price:       price,
		qty:         qty,
		workers:     cfg.MaxWorkers,
		parquet:     cfg.Parquet,
		compression: cfg.ParquetCompression,
		archiver:    cfg.Archiver,
		now:         cfg.Now,
		runID:       cfg.RunID,
		log:         logger.GetLogger(),
	}, nil
}

func (n *Normalizer) RunID() string { return n.runID }

// ProcessFile runs one full pass over rawFile and writes out. Outputs are
// built under temporary names and renamed on success, the audit last. Any
// I/O failure removes the temporaries and is returned; bad lines are only
// counted.
func (n *Normalizer) ProcessFile(ctx context.Context, rawFile string, out OutputPaths) (*models.AuditRecord, error) {
	start := time.Now()
	log := n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"raw_file": rawFile,
		"run_id":   n.runID,
	})

	in, err := os.Open(rawFile)
	if err != nil {
		return nil, fmt.Errorf("open raw file: %w", err)
	}
	defer in.Close()

	p, err := n.openPass(out)
	if err != nil {
		return nil, err
	}
	done := false
	defer func() {
		if !done {
			p.abort()
		}
	}()

	stats, err := n.scan(ctx, in, p)
	if err != nil {
		return nil, err
	}
	if err := p.commit(); err != nil {
		return nil, err
	}

	record := &models.AuditRecord{
		RawFile:        rawFile,
		NormalizedFile: out.Normalized,
		PricesFile:     out.Prices,
		CreatedAtUnix:  n.now().Unix(),
		RunID:          n.runID,
		Stats:          stats,
	}
	if err := writeAudit(out.Audit, record); err != nil {
		return nil, err
	}
	done = true

	metrics.AddNormalizerLines(metrics.OutcomeKept, stats.KeptLines)
	metrics.AddNormalizerLines(metrics.OutcomeBadJSON, stats.BadJSON)
	metrics.AddNormalizerLines(metrics.OutcomeSkippedSchema, stats.SkippedSchema)
	metrics.AddNormalizerLines(metrics.OutcomeNormalizeError, stats.NormalizeErrors)
	metrics.AddNormalizerGaps(stats.Gaps)
	log.LogMetric("normalizer", "kept_lines", stats.KeptLines, "counter", nil)
	log.LogMetric("normalizer", "sequence_gaps", stats.Gaps, "counter", nil)

	log.WithFields(logger.Fields{
		"raw_lines":        stats.RawLines,
		"kept_lines":       stats.KeptLines,
		"bad_json":         stats.BadJSON,
		"skipped_schema":   stats.SkippedSchema,
		"normalize_errors": stats.NormalizeErrors,
		"gaps":             stats.Gaps,
		"continuity_ok":    stats.ContinuityOK,
	}).Info("raw file processed")
	logger.LogPerformanceEntry(log, "normalizer", "process_file", time.Since(start), nil)
	if !stats.ContinuityOK {
		log.WithFields(logger.Fields{"first_gap": stats.FirstGap}).Warn("sequence gaps detected")
	}

	if n.archiver != nil {
		files := []string{out.Normalized, out.Prices, out.Audit}
		if p.export != nil {
			files = append(files, out.Parquet)
		}
		if err := n.archiver.Archive(ctx, files...); err != nil {
			log.WithError(err).Warn("archive failed, local outputs kept")
		}
	}

	return record, nil
}

// scan feeds every physical line of r through the pipeline. A trailing line
// without a newline counts like any other.
func (n *Normalizer) scan(ctx context.Context, r io.Reader, p *pass) (models.AuditStats, error) {
	var (
		stats = models.AuditStats{ContinuityOK: true}
		prevU *int64
		top   = book.New()
		br    = bufio.NewReaderSize(r, readBufferSize)
	)

	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			stats.RawLines++
			if stats.RawLines%cancelCheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					return stats, err
				}
			}

			d, outcome, _ := n.decodeLine(line)
			switch outcome {
			case outcomeBadJSON:
				stats.BadJSON++
			case outcomeSchema:
				stats.SkippedSchema++
			case outcomeNormalize:
				stats.NormalizeErrors++
			case outcomeKept:
				stats.KeptLines++
				if ContinuityOK(prevU, d.FirstUpdateID, d.LastUpdateID) {
					u := d.LastUpdateID
					prevU = &u
				} else {
					stats.ContinuityOK = false
					stats.Gaps++
					if stats.FirstGap == nil {
						stats.FirstGap = &models.Gap{
							PrevU:         *prevU,
							FirstUpdateID: d.FirstUpdateID,
							LastUpdateID:  d.LastUpdateID,
							Line:          stats.RawLines,
						}
					}
					prevU = nil
				}

				if err := p.writeDelta(d); err != nil {
					return stats, err
				}

				top.Apply(d.Bids, d.Asks)
				if best, ok := top.Best(); ok {
					if err := p.writePrice(n.snapshot(d, best)); err != nil {
						return stats, err
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return stats, fmt.Errorf("read raw file: %w", readErr)
		}
	}
	return stats, ctx.Err()
}

func (n *Normalizer) snapshot(d models.NormalizedDelta, best book.Top) models.BestPriceSnapshot {
	return models.BestPriceSnapshot{
		Exchange:   d.Exchange,
		Symbol:     d.Symbol,
		RecvTsNs:   d.RecvTsNs,
		EventTsNs:  d.EventTsNs,
		BestBid:    best.BidPrice,
		BidSize:    best.BidQty,
		BestAsk:    best.AskPrice,
		AskSize:    best.AskQty,
		Mid:        best.Mid(),
		Micro:      best.Micro(),
		PriceScale: n.price.Scale(),
		QtyScale:   n.qty.Scale(),
	}
}

// tmpFile is an output being built under "<final>.tmp".
type tmpFile struct {
	final string
	tmp   string
	f     *os.File
	w     *bufio.Writer
}

func createTmp(final string) (*tmpFile, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp := final + tmpSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	return &tmpFile{final: final, tmp: tmp, f: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

func (t *tmpFile) commit() error {
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", t.tmp, err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", t.tmp, err)
	}
	err := t.f.Close()
	t.f = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", t.tmp, err)
	}
	if err := os.Rename(t.tmp, t.final); err != nil {
		return fmt.Errorf("rename %s: %w", t.tmp, err)
	}
	return nil
}

func (t *tmpFile) abort() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	os.Remove(t.tmp)
}

// pass holds the open outputs of one ProcessFile call.
type pass struct {
	norm     *tmpFile
	prices   *tmpFile
	normEnc  *json.Encoder
	priceEnc *json.Encoder
	export   PriceExport
}

func (n *Normalizer) openPass(out OutputPaths) (*pass, error) {
	p := &pass{}
	var err error
	if p.norm, err = createTmp(out.Normalized); err != nil {
		return nil, err
	}
	if p.prices, err = createTmp(out.Prices); err != nil {
		p.abort()
		return nil, err
	}
	if n.parquet {
		export, err := writer.NewPriceParquet(out.Parquet, n.compression)
		if err != nil {
			p.abort()
			return nil, fmt.Errorf("open parquet export: %w", err)
		}
		p.export = export
	}
	p.normEnc = newEncoder(p.norm.w)
	p.priceEnc = newEncoder(p.prices.w)
	return p, nil
}

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

func (p *pass) writeDelta(d models.NormalizedDelta) error {
	if err := p.normEnc.Encode(d); err != nil {
		return fmt.Errorf("write normalized: %w", err)
	}
	return nil
}

func (p *pass) writePrice(s models.BestPriceSnapshot) error {
	if err := p.priceEnc.Encode(s); err != nil {
		return fmt.Errorf("write prices: %w", err)
	}
	if p.export != nil {
		if err := p.export.Write(s); err != nil {
			return fmt.Errorf("write parquet: %w", err)
		}
	}
	return nil
}

func (p *pass) commit() error {
	if err := p.norm.commit(); err != nil {
		return err
	}
	if err := p.prices.commit(); err != nil {
		return err
	}
	if p.export != nil {
		if err := p.export.Commit(); err != nil {
			return fmt.Errorf("commit parquet: %w", err)
		}
	}
	return nil
}

func (p *pass) abort() {
	if p.norm != nil {
		p.norm.abort()
	}
	if p.prices != nil {
		p.prices.abort()
	}
	if p.export != nil {
		p.export.Abort()
	}
}

func writeAudit(path string, record *models.AuditRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode audit: %w", err)
	}
	t, err := createTmp(path)
	if err != nil {
		return err
	}
	if _, err := t.w.Write(append(data, '\n')); err != nil {
		t.abort()
		return fmt.Errorf("write audit: %w", err)
	}
	if err := t.commit(); err != nil {
		t.abort()
		return err
	}
	return nil
}
