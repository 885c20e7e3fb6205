package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"depthflow/logger"
	"depthflow/models"
)

// priceRecord defines the parquet schema of the best-price series.
type priceRecord struct {
	Exchange   string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecvTsNs   int64  `parquet:"name=recv_ts_ns, type=INT64"`
	EventTsNs  int64  `parquet:"name=event_ts_ns, type=INT64"`
	BestBid    int64  `parquet:"name=best_bid, type=INT64"`
	BidSize    int64  `parquet:"name=bid_sz, type=INT64"`
	BestAsk    int64  `parquet:"name=best_ask, type=INT64"`
	AskSize    int64  `parquet:"name=ask_sz, type=INT64"`
	Mid        int64  `parquet:"name=mid, type=INT64"`
	Micro      int64  `parquet:"name=micro, type=INT64"`
	PriceScale int64  `parquet:"name=price_scale, type=INT64"`
	QtyScale   int64  `parquet:"name=qty_scale, type=INT64"`
}

// localFile adapts *os.File to source.ParquetFile.
type localFile struct{ *os.File }

func (f localFile) Create(name string) (source.ParquetFile, error) {
	file, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return localFile{file}, nil
}

func (f localFile) Open(name string) (source.ParquetFile, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return localFile{file}, nil
}

// ParseCompression maps a config name onto a parquet codec. Empty means snappy.
func ParseCompression(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, fmt.Errorf("unsupported parquet compression %q", name)
	}
}

// PriceParquet writes best-price snapshots to "<path>.tmp" and renames the
// file to path on Commit.
type PriceParquet struct {
	path    string
	tmpPath string
	file    *os.File
	pw      *pqwriter.ParquetWriter
	rows    int64
	log     *logger.Log
}

func NewPriceParquet(path, compression string) (*PriceParquet, error) {
	codec, err := ParseCompression(compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parquet dir: %w", err)
	}
	tmpPath := path + tmpSuffix
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmpPath, err)
	}
	pw, err := pqwriter.NewParquetWriter(localFile{file}, new(priceRecord), 4)
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = codec
	return &PriceParquet{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		pw:      pw,
		log:     logger.GetLogger(),
	}, nil
}

func (p *PriceParquet) Write(s models.BestPriceSnapshot) error {
	rec := priceRecord{
		Exchange:   s.Exchange,
		Symbol:     s.Symbol,
		RecvTsNs:   s.RecvTsNs,
		EventTsNs:  s.EventTsNs,
		BestBid:    s.BestBid,
		BidSize:    s.BidSize,
		BestAsk:    s.BestAsk,
		AskSize:    s.AskSize,
		Mid:        s.Mid,
		Micro:      s.Micro,
		PriceScale: s.PriceScale,
		QtyScale:   s.QtyScale,
	}
	if err := p.pw.Write(rec); err != nil {
		return err
	}
	p.rows++
	return nil
}

// Commit writes the footer, syncs and renames the file into place.
func (p *PriceParquet) Commit() error {
	if err := p.pw.WriteStop(); err != nil {
		return fmt.Errorf("parquet write stop: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", p.tmpPath, err)
	}
	err := p.file.Close()
	p.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", p.tmpPath, err)
	}
	if err := os.Rename(p.tmpPath, p.path); err != nil {
		return fmt.Errorf("rename %s: %w", p.tmpPath, err)
	}
	p.log.WithComponent("parquet_export").WithFields(logger.Fields{
		"file": p.path,
		"rows": p.rows,
	}).Debug("price parquet written")
	return nil
}

// Abort drops the temporary file. It is safe after a failed Commit.
func (p *PriceParquet) Abort() {
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}
	os.Remove(p.tmpPath)
}

func (p *PriceParquet) Rows() int64 { return p.rows }
