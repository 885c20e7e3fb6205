package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAccumulate(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(normalizerLines.WithLabelValues(OutcomeKept))
	AddNormalizerLines(OutcomeKept, 3)
	AddNormalizerLines(OutcomeKept, 0)
	if got := testutil.ToFloat64(normalizerLines.WithLabelValues(OutcomeKept)); got != before+3 {
		t.Fatalf("expected %v kept lines, got %v", before+3, got)
	}

	items := testutil.ToFloat64(writerItems)
	bytes := testutil.ToFloat64(writerBytes)
	AddWriterItem(10)
	if testutil.ToFloat64(writerItems) != items+1 || testutil.ToFloat64(writerBytes) != bytes+10 {
		t.Fatalf("writer counters not updated")
	}
}

func TestRegistryGathers(t *testing.T) {
	IncNormalizerFile(ResultSkipped)
	families, err := Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "depthflow_normalizer_files_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("normalizer files counter not registered")
	}
}
