package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitAndCounters(t *testing.T) {
	Init()
	// Calling Init again must not re-register collectors.
	Init()

	before := testutil.ToFloat64(scrapersTotal.WithLabelValues("population", "ok"))
	ScraperRun("population", "ok")
	after := testutil.ToFloat64(scrapersTotal.WithLabelValues("population", "ok"))
	if after != before+1 {
		t.Fatalf("expected scraper counter to increment, got %v -> %v", before, after)
	}

	before = testutil.ToFloat64(rowsProcessedTotal.WithLabelValues("population"))
	AddRowsProcessed("population", 5)
	AddRowsProcessed("population", 0)
	AddRowsProcessed("population", -3)
	after = testutil.ToFloat64(rowsProcessedTotal.WithLabelValues("population"))
	if after != before+5 {
		t.Fatalf("expected row counter +5, got %v -> %v", before, after)
	}

	before = testutil.ToFloat64(fetchRequestsTotal.WithLabelValues("csv", "ok"))
	ObserveFetch("csv", "ok", 100*time.Millisecond)
	after = testutil.ToFloat64(fetchRequestsTotal.WithLabelValues("csv", "ok"))
	if after != before+1 {
		t.Fatalf("expected fetch counter to increment, got %v -> %v", before, after)
	}

	before = testutil.ToFloat64(outputTabsTotal.WithLabelValues("excel"))
	ObserveTabWrite("excel")
	after = testutil.ToFloat64(outputTabsTotal.WithLabelValues("excel"))
	if after != before+1 {
		t.Fatalf("expected tab counter to increment, got %v -> %v", before, after)
	}
}

func TestHelpersNilSafeBeforeInit(t *testing.T) {
	// Helpers must not panic when collectors are absent, as in unit tests
	// of packages that never call Init.
	saved := scrapersTotal
	scrapersTotal = nil
	defer func() { scrapersTotal = saved }()
	ScraperRun("population", "ok")
}
