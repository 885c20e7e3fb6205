package processor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestListRawFiles(t *testing.T) {
	base := t.TempDir()
	writeRaw(t, base, "deltas_utcmin_20240101T0002.jsonl")
	writeRaw(t, base, "deltas_utcmin_20240101T0000.jsonl")
	writeRaw(t, base, "deltas_utcmin_20240101T0001.jsonl")
	writeRaw(t, base, "deltas_utcmin_20240101T0003.jsonl.tmp")
	writeRaw(t, base, "notes.txt")
	rawDir := filepath.Join(base, "binance", "BTCUSDT", RawDir)
	if err := os.Mkdir(filepath.Join(rawDir, "deltas_utcmin_dir.jsonl"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := ListRawFiles(rawDir)
	if err != nil {
		t.Fatalf("ListRawFiles: %v", err)
	}
	want := []string{
		filepath.Join(rawDir, "deltas_utcmin_20240101T0000.jsonl"),
		filepath.Join(rawDir, "deltas_utcmin_20240101T0001.jsonl"),
		filepath.Join(rawDir, "deltas_utcmin_20240101T0002.jsonl"),
	}
	if len(files) != len(want) {
		t.Fatalf("files = %v", files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, files[i], want[i])
		}
	}
}

func TestProcessRawDirIsIdempotent(t *testing.T) {
	base := t.TempDir()
	writeRaw(t, base, "deltas_utcmin_20240101T0000.jsonl", rawLine(1, 2, `[["1","1"]]`, `[["2","1"]]`))
	raw := writeRaw(t, base, "deltas_utcmin_20240101T0001.jsonl", rawLine(3, 4, `[["1","1"]]`, `[["2","1"]]`))
	rawDir := filepath.Dir(raw)

	first := newTestNormalizer(t, NormalizerOptions{RunID: "first", MaxWorkers: 2})
	res, err := first.ProcessRawDir(context.Background(), rawDir)
	if err != nil {
		t.Fatalf("ProcessRawDir: %v", err)
	}
	if res.Processed != 2 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("first run = %+v", res)
	}

	second := newTestNormalizer(t, NormalizerOptions{RunID: "second"})
	res, err = second.ProcessRawDir(context.Background(), rawDir)
	if err != nil {
		t.Fatalf("ProcessRawDir: %v", err)
	}
	if res.Processed != 0 || res.Skipped != 2 {
		t.Fatalf("second run = %+v", res)
	}
	if got := readAudit(t, OutputsFor(raw).Audit).RunID; got != "first" {
		t.Errorf("audit rewritten by second run: run_id %q", got)
	}
}

func TestProcessRawDirRedoesPartialOutputs(t *testing.T) {
	base := t.TempDir()
	raw := writeRaw(t, base, "deltas_utcmin_20240101T0000.jsonl",
		rawLine(1, 2, `[["1","1"]]`, `[["2","1"]]`),
		rawLine(3, 4, `[["1","2"]]`, `[]`),
	)
	out := OutputsFor(raw)
	n := newTestNormalizer(t, NormalizerOptions{})
	if _, err := n.ProcessRawDir(context.Background(), filepath.Dir(raw)); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(out.Prices); err != nil {
		t.Fatal(err)
	}
	if Completeness(out) != Partial {
		t.Fatalf("expected partial outputs")
	}

	res, err := n.ProcessRawDir(context.Background(), filepath.Dir(raw))
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 {
		t.Fatalf("partial file not redone: %+v", res)
	}
	if got := len(readLines(t, out.Normalized)); got != 2 {
		t.Errorf("normalized lines = %d, want 2 (overwrite, not append)", got)
	}
	if got := len(readLines(t, out.Prices)); got != 2 {
		t.Errorf("price lines = %d, want 2", got)
	}
}

func TestProcessRawDirContinuesAfterFailure(t *testing.T) {
	base := t.TempDir()
	bad := writeRaw(t, base, "deltas_utcmin_20240101T0000.jsonl", rawLine(1, 2, `[]`, `[]`))
	good := writeRaw(t, base, "deltas_utcmin_20240101T0001.jsonl", rawLine(3, 4, `[]`, `[]`))
	if err := os.MkdirAll(OutputsFor(bad).Normalized+tmpSuffix, 0o755); err != nil {
		t.Fatal(err)
	}

	n := newTestNormalizer(t, NormalizerOptions{MaxWorkers: 2})
	res, err := n.ProcessRawDir(context.Background(), filepath.Dir(bad))
	if err != nil {
		t.Fatalf("ProcessRawDir: %v", err)
	}
	if res.Processed != 1 || res.Failed != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Err() == nil {
		t.Errorf("Err() = nil with a failed file")
	}
	if Completeness(OutputsFor(good)) != Complete {
		t.Errorf("good file not processed")
	}
}

func TestProcessRawDirCreatesOutputDirs(t *testing.T) {
	base := t.TempDir()
	rawDir := filepath.Join(base, "binance", "BTCUSDT", RawDir)
	if err := os.MkdirAll(rawDir, 0o755); err != nil {
		t.Fatal(err)
	}
	n := newTestNormalizer(t, NormalizerOptions{})
	res, err := n.ProcessRawDir(context.Background(), rawDir)
	if err != nil {
		t.Fatalf("ProcessRawDir: %v", err)
	}
	if res.Processed+res.Skipped+res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	for _, d := range []string{NormalizedDir, PricesDir, AuditDir} {
		fi, err := os.Stat(filepath.Join(base, "binance", "BTCUSDT", d))
		if err != nil || !fi.IsDir() {
			t.Errorf("%s dir missing", d)
		}
	}
}

func TestDiscoverAndProcess(t *testing.T) {
	base := t.TempDir()
	writeRawSymbol(t, base, "BTCUSDT", "deltas_utcmin_20240101T0000.jsonl", rawLine(1, 2, `[]`, `[]`))
	writeRawSymbol(t, base, "ETHUSDT", "deltas_utcmin_20240101T0000.jsonl", rawLine(1, 2, `[]`, `[]`))
	writeRawSymbol(t, base, "ETHUSDT", "deltas_utcmin_20240101T0001.jsonl", rawLine(3, 4, `[]`, `[]`))
	// symbol without raw dir and stray files are ignored
	if err := os.MkdirAll(filepath.Join(base, "binance", "SOLUSDT", "normalized"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "binance", "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	n := newTestNormalizer(t, NormalizerOptions{})
	res, err := n.DiscoverAndProcess(context.Background(), base)
	if err != nil {
		t.Fatalf("DiscoverAndProcess: %v", err)
	}
	if res.Processed != 3 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(base, "binance", "SOLUSDT", "audit")); !os.IsNotExist(err) {
		t.Errorf("symbol without raw dir was processed")
	}

	res, err = n.DiscoverAndProcess(context.Background(), base)
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 || res.Skipped != 3 {
		t.Errorf("second discovery = %+v", res)
	}
}

func TestDiscoverAndProcessMissingBase(t *testing.T) {
	n := newTestNormalizer(t, NormalizerOptions{})
	if _, err := n.DiscoverAndProcess(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Errorf("expected error for missing base dir")
	}
}
