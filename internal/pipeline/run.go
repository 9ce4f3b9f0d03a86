// Package pipeline orchestrates a full ingestion run: every fetcher in
// order, the normalization audit, rescoring, and the run bookkeeping row.
package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seattle-distress/internal/config"
	"github.com/seattle-distress/internal/fetch"
	"github.com/seattle-distress/internal/normalize"
	"github.com/seattle-distress/internal/scoring"
	"github.com/seattle-distress/internal/store"
)

// sourceOrder fixes execution order: cheap city sources first, then the
// bulk county joins, then the external sales export.
var sourceOrder = []string{
	"code_violations",
	"permits",
	"fire_911",
	"urm",
	"kc_enrichment",
	"king_county_sales",
}

// Runner wires fetchers to the store and drives a pipeline run.
type Runner struct {
	store *store.Store
	env   config.Env
	log   *zap.Logger
}

// NewRunner builds a runner over an open store.
func NewRunner(s *store.Store, env config.Env, log *zap.Logger) *Runner {
	return &Runner{store: s, env: env, log: log}
}

// Fetchers returns the full fetcher set keyed by source name.
func (r *Runner) Fetchers() map[string]fetch.Fetcher {
	soda := fetch.NewSODAClient(config.SODABase, r.env.SODAAppToken, r.log)
	return map[string]fetch.Fetcher{
		"code_violations":   fetch.NewCodeViolations(soda),
		"permits":           fetch.NewPermits(soda),
		"fire_911":          fetch.NewFireCalls(soda),
		"urm":               fetch.NewURMBuildings(soda),
		"kc_enrichment":     fetch.NewParcelEnrichment(r.env.DownloadsDir(), r.env.SODAAppToken, r.log),
		"king_county_sales": fetch.NewRecentSales(r.log),
	}
}

// SourceNames returns every source name in execution order.
func SourceNames() []string {
	out := make([]string, len(sourceOrder))
	copy(out, sourceOrder)
	return out
}

// sourceResult summarizes one fetcher's pass.
type sourceResult struct {
	records    int
	properties int
	newSignals int
	skipped    int
}

// RunAll executes the selected sources (all of them when selected is
// empty), audits normalization, rescores every property, and records the
// run. A failing source is logged and skipped; it never aborts the run.
func (r *Runner) RunAll(selected []string, cfg *scoring.Config, now time.Time) error {
	fetchers := r.Fetchers()

	names := selected
	if len(names) == 0 {
		names = SourceNames()
	}
	for _, name := range names {
		if _, ok := fetchers[name]; !ok {
			return fmt.Errorf("unknown source %q", name)
		}
	}

	runID, err := r.store.StartRun(names)
	if err != nil {
		return err
	}

	var runProps, runSignals int
	for _, name := range names {
		f := fetchers[name]
		r.log.Info("fetching source", zap.String("source", name))

		res, err := r.runFetcher(f)
		if err != nil {
			r.log.Error("source failed", zap.String("source", name), zap.Error(err))
			continue
		}
		r.log.Info("source complete",
			zap.String("source", name),
			zap.Int("records", res.records),
			zap.Int("properties", res.properties),
			zap.Int("new_signals", res.newSignals),
			zap.Int("skipped", res.skipped))
		runProps += res.properties
		runSignals += res.newSignals

		if err := r.auditNormalization(name); err != nil {
			r.log.Warn("normalization audit failed",
				zap.String("source", name), zap.Error(err))
		}
	}

	rescored, err := r.RescoreAll(cfg, now)
	if err != nil {
		return err
	}
	r.log.Info("rescored properties", zap.Int("count", rescored))

	if err := r.store.CompleteRun(runID, runProps, runSignals); err != nil {
		return err
	}

	return r.PrintSummary()
}

// runFetcher streams one source into the store. Each page is one
// transaction, so a mid-stream failure keeps whole pages rather than
// partial ones.
func (r *Runner) runFetcher(f fetch.Fetcher) (sourceResult, error) {
	var res sourceResult
	source := f.SourceName()
	seen := make(map[int64]struct{})

	err := f.Pages(func(records []fetch.Record) error {
		batch, err := r.store.Begin()
		if err != nil {
			return err
		}
		defer batch.Rollback()

		for _, rec := range records {
			res.records++

			raw := f.ExtractAddress(rec)
			if raw == "" {
				res.skipped++
				continue
			}
			norm := normalize.Canonical(raw)
			if norm == "" {
				res.skipped++
				continue
			}

			lat, lng := f.ExtractCoords(rec)
			propType := ""
			if pt, ok := f.(fetch.PropertyTyper); ok {
				propType = pt.ExtractPropertyType(rec)
			}
			propID, err := batch.UpsertProperty(store.PropertyUpsert{
				AddressRaw:   raw,
				AddressNorm:  norm,
				ZipCode:      f.ExtractZip(rec),
				Latitude:     lat,
				Longitude:    lng,
				PropertyType: propType,
			})
			if err != nil {
				return err
			}
			seen[propID] = struct{}{}

			for _, sig := range f.ExtractSignals(rec) {
				inserted, err := batch.UpsertSignal(store.SignalUpsert{
					PropertyID:     propID,
					Source:         source,
					SourceRecordID: sig.SourceRecordID,
					SignalType:     sig.SignalType,
					Detail:         sig.Detail,
					EventDate:      sig.EventDate,
				})
				if err != nil {
					return err
				}
				if inserted {
					res.newSignals++
				}
			}
		}

		return batch.Commit()
	})
	res.properties = len(seen)
	return res, err
}

// auditNormalization flags properties from the given source that sit
// within the proximity threshold of another property. Two rows that close
// usually mean the same address normalized two ways; the issues table is
// the review queue for that.
func (r *Runner) auditNormalization(source string) error {
	candidates, err := r.store.PropertiesWithSignalsFrom(source)
	if err != nil {
		return err
	}

	flagged := 0
	for _, c := range candidates {
		near, err := r.store.FindNearby(c.Latitude, c.Longitude, config.ProximityDegrees, c.ID)
		if err != nil {
			return err
		}
		if near == nil {
			continue
		}

		lat, lng := c.Latitude, c.Longitude
		err = r.store.LogNormalizationIssue(store.NormalizationIssue{
			AddressRaw:        c.AddressRaw,
			AddressNorm:       c.AddressNorm,
			Source:            source,
			Latitude:          &lat,
			Longitude:         &lng,
			NearestPropertyID: near.ID,
			DistanceMeters:    near.Dist * config.DegreesToMeters,
		})
		if err != nil {
			return err
		}
		flagged++
	}

	if flagged > 0 {
		r.log.Info("flagged possible duplicate addresses",
			zap.String("source", source), zap.Int("count", flagged))
	}
	return nil
}

// RescoreAll recomputes score and tier for every property and returns how
// many were updated.
func (r *Runner) RescoreAll(cfg *scoring.Config, now time.Time) (int, error) {
	ids, err := r.store.PropertyIDs()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		sigs, err := r.store.SignalsForScoring(id)
		if err != nil {
			return 0, err
		}
		total, tier := scoring.Score(sigs, cfg, now)
		if err := r.store.UpdateScore(id, total, tier); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// PrintSummary writes the end-of-run report to stdout.
func (r *Runner) PrintSummary() error {
	st, err := r.store.Stats()
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("=== Pipeline Summary ===")
	fmt.Printf("Properties: %d\n", st.TotalProperties)
	fmt.Printf("Signals: %d\n", st.TotalSignals)
	fmt.Printf("Normalization issues: %d\n", st.NormalizationIssues)

	fmt.Println("\nBy tier:")
	for _, tier := range []string{"A", "B", "C"} {
		fmt.Printf("  %s: %d\n", tier, st.Tiers[tier])
	}

	fmt.Println("\nBy zip:")
	for _, zip := range config.WestSeattleZips {
		if n, ok := st.Zips[zip]; ok {
			fmt.Printf("  %s: %d\n", zip, n)
		}
	}

	fmt.Println("\nBy source:")
	for _, name := range SourceNames() {
		if n, ok := st.Sources[name]; ok {
			fmt.Printf("  %s: %d\n", name, n)
		}
	}

	top, err := r.store.TopProperties(10)
	if err != nil {
		return err
	}
	if len(top) > 0 {
		fmt.Println("\nTop properties:")
		for _, t := range top {
			fmt.Printf("  [%s] %6.1f  %s\n", t.Tier, t.TotalScore, t.AddressRaw)
		}
	}
	return nil
}
