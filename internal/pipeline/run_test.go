package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seattle-distress/internal/config"
	"github.com/seattle-distress/internal/fetch"
	"github.com/seattle-distress/internal/scoring"
	"github.com/seattle-distress/internal/store"
)

// fakeFetcher serves canned records for runner tests.
type fakeFetcher struct {
	name    string
	pages   [][]fetch.Record
	pageErr error
}

func (f *fakeFetcher) SourceName() string { return f.name }

func (f *fakeFetcher) Pages(emit func([]fetch.Record) error) error {
	for _, page := range f.pages {
		if err := emit(page); err != nil {
			return err
		}
	}
	return f.pageErr
}

func (f *fakeFetcher) ExtractAddress(rec fetch.Record) string {
	s, _ := rec["address"].(string)
	return s
}

func (f *fakeFetcher) ExtractCoords(rec fetch.Record) (lat, lng *float64) {
	la, ok1 := rec["lat"].(float64)
	ln, ok2 := rec["lng"].(float64)
	if !ok1 || !ok2 {
		return nil, nil
	}
	return &la, &ln
}

func (f *fakeFetcher) ExtractZip(rec fetch.Record) string {
	s, _ := rec["zip"].(string)
	return s
}

func (f *fakeFetcher) ExtractSignals(rec fetch.Record) []fetch.Signal {
	id, _ := rec["id"].(string)
	return []fetch.Signal{{
		SourceRecordID: id,
		SignalType:     "vacant_building",
		EventDate:      "2026-06-01",
	}}
}

func testRunner(t *testing.T) *Runner {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRunner(s, config.Env{DataDir: t.TempDir()}, zap.NewNop())
}

func testScoringConfig() *scoring.Config {
	cfg := scoring.DefaultConfig()
	cfg.SignalWeights = map[string]float64{"vacant_building": 10}
	return cfg
}

func TestRunFetcherIngestsAndDeduplicates(t *testing.T) {
	r := testRunner(t)
	f := &fakeFetcher{
		name: "test_source",
		pages: [][]fetch.Record{
			{
				{"id": "r1", "address": "5812 South West Spokane Street", "zip": "98106"},
				{"id": "r2", "address": "5812 SW Spokane St", "zip": "98106"},
			},
			{
				{"id": "r3", "address": "9010 17th Ave SW", "zip": "98106"},
			},
		},
	}

	res, err := r.runFetcher(f)
	if err != nil {
		t.Fatalf("runFetcher: %v", err)
	}
	if res.records != 3 || res.newSignals != 3 || res.skipped != 0 {
		t.Fatalf("result = %+v", res)
	}
	// r1 and r2 share a canonical address, so the source touched two
	// distinct properties. This count, not a store-wide total, is what
	// feeds the run record.
	if res.properties != 2 {
		t.Fatalf("properties = %d, want 2", res.properties)
	}

	// r1 and r2 normalize to the same property.
	st, err := r.store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalProperties != 2 {
		t.Fatalf("TotalProperties = %d, want 2", st.TotalProperties)
	}
	if st.TotalSignals != 3 {
		t.Fatalf("TotalSignals = %d, want 3", st.TotalSignals)
	}

	// A second pass over identical data inserts nothing new.
	res, err = r.runFetcher(f)
	if err != nil {
		t.Fatalf("second runFetcher: %v", err)
	}
	if res.newSignals != 0 {
		t.Fatalf("re-run inserted %d signals, want 0", res.newSignals)
	}
}

func TestRunFetcherSkipsUnusableAddresses(t *testing.T) {
	r := testRunner(t)
	f := &fakeFetcher{
		name: "test_source",
		pages: [][]fetch.Record{{
			{"id": "r1", "address": "5812 SW Spokane St"},
			{"id": "r2", "address": ""},
			{"id": "r3", "address": "Seattle, WA 98106"},
		}},
	}

	res, err := r.runFetcher(f)
	if err != nil {
		t.Fatalf("runFetcher: %v", err)
	}
	if res.skipped != 2 {
		t.Fatalf("skipped = %d, want 2", res.skipped)
	}
	if res.newSignals != 1 {
		t.Fatalf("newSignals = %d, want 1", res.newSignals)
	}
}

func TestRescoreAll(t *testing.T) {
	r := testRunner(t)
	f := &fakeFetcher{
		name: "test_source",
		pages: [][]fetch.Record{{
			{"id": "r1", "address": "5812 SW Spokane St", "zip": "98106"},
		}},
	}
	if _, err := r.runFetcher(f); err != nil {
		t.Fatalf("runFetcher: %v", err)
	}

	cfg := testScoringConfig()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	n, err := r.RescoreAll(cfg, now)
	if err != nil {
		t.Fatalf("RescoreAll: %v", err)
	}
	if n != 1 {
		t.Fatalf("rescored %d, want 1", n)
	}

	top, err := r.store.TopProperties(1)
	if err != nil {
		t.Fatalf("TopProperties: %v", err)
	}
	if len(top) != 1 || top[0].TotalScore <= 10 {
		t.Fatalf("top = %+v, want decayed score above base weight", top)
	}

	// Rescoring with the same inputs is stable.
	if _, err := r.RescoreAll(cfg, now); err != nil {
		t.Fatalf("second RescoreAll: %v", err)
	}
	again, err := r.store.TopProperties(1)
	if err != nil {
		t.Fatalf("TopProperties: %v", err)
	}
	if again[0].TotalScore != top[0].TotalScore {
		t.Fatalf("score drifted: %v -> %v", top[0].TotalScore, again[0].TotalScore)
	}
}

func TestAuditNormalizationFlagsCloseNeighbors(t *testing.T) {
	r := testRunner(t)
	f := &fakeFetcher{
		name: "test_source",
		pages: [][]fetch.Record{{
			{"id": "r1", "address": "5812 SW Spokane St", "zip": "98106", "lat": 47.57120, "lng": -122.36410},
			{"id": "r2", "address": "5812 SW Spokane Street Rear", "zip": "98106", "lat": 47.57122, "lng": -122.36411},
		}},
	}
	if _, err := r.runFetcher(f); err != nil {
		t.Fatalf("runFetcher: %v", err)
	}

	if err := r.auditNormalization("test_source"); err != nil {
		t.Fatalf("auditNormalization: %v", err)
	}

	st, err := r.store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	// Both rows sit within the threshold of each other, so each flags the
	// other.
	if st.NormalizationIssues != 2 {
		t.Fatalf("NormalizationIssues = %d, want 2", st.NormalizationIssues)
	}
}

func TestFetchersCoverEverySource(t *testing.T) {
	r := testRunner(t)
	fetchers := r.Fetchers()

	for _, name := range SourceNames() {
		f, ok := fetchers[name]
		if !ok {
			t.Errorf("no fetcher for source %q", name)
			continue
		}
		if f.SourceName() != name {
			t.Errorf("fetcher for %q reports source %q", name, f.SourceName())
		}
	}
	if len(fetchers) != len(SourceNames()) {
		t.Errorf("fetcher map has %d entries, want %d", len(fetchers), len(SourceNames()))
	}
}
