// Package engine converts raw daily rollups into a validated,
// reproducible traffic allocation: adaptive windowing, the fallback
// decision, response ordering, and the history write.
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"mab-api/internal/config"
	"mab-api/internal/db"
	"mab-api/internal/stats"
	"mab-api/internal/telemetry"
)

// Algorithm strings recorded with every computation.
const (
	AlgorithmThompson         = "thompson_sampling"
	AlgorithmThompsonFallback = "thompson_sampling (fallback: prior only)"
)

// VariantMetrics is the observed-counts block of one allocation entry.
type VariantMetrics struct {
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	CTR         float64         `json:"ctr"`
	CTRCI       *stats.Interval `json:"ctr_ci,omitempty"`
	Sessions    int64           `json:"sessions,omitempty"`
	Revenue     float64         `json:"revenue,omitempty"`
}

// VariantAllocation is one variant's share of the recommended split.
type VariantAllocation struct {
	VariantName          string         `json:"variant_name"`
	IsControl            bool           `json:"is_control"`
	AllocationPercentage float64        `json:"allocation_percentage"`
	Metrics              VariantMetrics `json:"metrics"`
}

// AllocationResponse is the full result of one allocation computation.
type AllocationResponse struct {
	ExperimentID   string              `json:"experiment_id"`
	ExperimentName string              `json:"experiment_name"`
	ComputedAt     string              `json:"computed_at"`
	Algorithm      string              `json:"algorithm"`
	WindowDays     int                 `json:"window_days"`
	UsedFallback   bool                `json:"used_fallback"`
	Allocations    []VariantAllocation `json:"allocations"`
}

// Allocator is the allocation orchestrator. Safe for concurrent use; the
// sampler RNG is constructed per computation, never shared.
type Allocator struct {
	db    *db.DB
	cfg   *config.Config
	log   *logrus.Logger
	group singleflight.Group

	// now is swappable in tests to pin the aggregation window and seed.
	now func() time.Time
}

// NewAllocator returns an Allocator over the given storage and config.
func NewAllocator(database *db.DB, cfg *config.Config, log *logrus.Logger) *Allocator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Allocator{
		db:  database,
		cfg: cfg,
		log: log,
		now: time.Now,
	}
}

// Compute returns the recommended traffic split for an experiment.
// windowDays <= 0 selects the configured default. Concurrent identical
// requests (same experiment, window, UTC day) are collapsed into a
// single computation; the result is deterministic for fixed inputs on a
// fixed day, so all callers receive the same split either way.
func (a *Allocator) Compute(experimentID string, windowDays int) (*AllocationResponse, error) {
	if windowDays <= 0 {
		windowDays = a.cfg.DefaultWindowDays
	}
	today := a.now().UTC()

	key := fmt.Sprintf("%s|%d|%s", experimentID, windowDays, today.Format("2006-01-02"))
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		return a.compute(experimentID, windowDays, today)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AllocationResponse), nil
}

func (a *Allocator) compute(experimentID string, windowDays int, today time.Time) (*AllocationResponse, error) {
	exp, err := a.db.GetExperimentByID(experimentID)
	if err != nil {
		return nil, err
	}

	aggregates, err := a.db.AggregateForAllocation(experimentID, windowDays, today)
	if err != nil {
		return nil, fmt.Errorf("aggregate window=%d: %w", windowDays, err)
	}
	actualWindow := windowDays

	// Not enough data in the requested window: widen once to the max
	// before giving up on observed counts.
	if !a.sufficient(aggregates) && windowDays < a.cfg.MaxWindowDays {
		aggregates, err = a.db.AggregateForAllocation(experimentID, a.cfg.MaxWindowDays, today)
		if err != nil {
			return nil, fmt.Errorf("aggregate window=%d: %w", a.cfg.MaxWindowDays, err)
		}
		actualWindow = a.cfg.MaxWindowDays
	}

	usedFallback := !a.sufficient(aggregates)

	arms := make([]stats.Arm, len(aggregates))
	for i, agg := range aggregates {
		arm := stats.Arm{Name: agg.VariantName, Impressions: agg.Impressions}
		if usedFallback {
			arm.Alpha = a.cfg.PriorAlpha
			arm.Beta = a.cfg.PriorBeta
		} else {
			arm.Alpha, arm.Beta = stats.Posterior(a.cfg.PriorAlpha, a.cfg.PriorBeta, agg.Impressions, agg.Clicks)
		}
		arms[i] = arm
	}

	seed := stats.DeriveSeed(experimentID, today)
	sampler := stats.NewSampler(a.cfg.ThompsonSamples)
	shares := sampler.Allocate(arms, seed)

	algorithm := AlgorithmThompson
	if usedFallback {
		algorithm = AlgorithmThompsonFallback
	}

	resp := &AllocationResponse{
		ExperimentID:   exp.ID,
		ExperimentName: exp.Name,
		ComputedAt:     a.now().UTC().Format(time.RFC3339),
		Algorithm:      algorithm,
		WindowDays:     actualWindow,
		UsedFallback:   usedFallback,
	}

	details := make([]db.AllocationDetail, len(aggregates))
	for i, agg := range aggregates {
		resp.Allocations = append(resp.Allocations, VariantAllocation{
			VariantName:          agg.VariantName,
			IsControl:            agg.IsControl,
			AllocationPercentage: shares[i],
			Metrics: VariantMetrics{
				Impressions: agg.Impressions,
				Clicks:      agg.Clicks,
				CTR:         agg.CTR,
				CTRCI:       agg.CTRCI,
				Sessions:    agg.Sessions,
				Revenue:     agg.Revenue,
			},
		})

		det := db.AllocationDetail{
			VariantID:            agg.VariantID,
			VariantName:          agg.VariantName,
			IsControl:            agg.IsControl,
			AllocationPercentage: shares[i],
			Impressions:          agg.Impressions,
			Clicks:               agg.Clicks,
			CTR:                  agg.CTR,
			BetaAlpha:            arms[i].Alpha,
			BetaBeta:             arms[i].Beta,
		}
		if agg.CTRCI != nil {
			lower, upper := agg.CTRCI.Lower, agg.CTRCI.Upper
			det.CTRCILower = &lower
			det.CTRCIUpper = &upper
		}
		details[i] = det
	}

	sort.SliceStable(resp.Allocations, func(i, j int) bool {
		x, y := resp.Allocations[i], resp.Allocations[j]
		if x.IsControl != y.IsControl {
			return x.IsControl
		}
		return x.AllocationPercentage > y.AllocationPercentage
	})
	sort.SliceStable(details, func(i, j int) bool {
		if details[i].IsControl != details[j].IsControl {
			return details[i].IsControl
		}
		return details[i].AllocationPercentage > details[j].AllocationPercentage
	})

	// History is best effort: a transient write failure must never deny
	// the caller an allocation.
	record := &db.AllocationRecord{
		ExperimentID:     exp.ID,
		ComputedAt:       resp.ComputedAt,
		WindowDays:       actualWindow,
		Algorithm:        algorithm,
		AlgorithmVersion: config.AlgorithmVersion,
		Seed:             seed,
		UsedFallback:     usedFallback,
		Details:          details,
	}
	telemetry.ObserveAllocation(usedFallback)
	if _, err := a.db.SaveAllocation(record); err != nil {
		telemetry.ObserveHistoryWriteError()
		a.log.WithFields(logrus.Fields{
			"type":          "allocation_history_write_failed",
			"experiment_id": exp.ID,
			"window_days":   actualWindow,
		}).WithError(err).Warn("allocation history not persisted")
	}

	return resp, nil
}

// sufficient reports whether every variant cleared the impression
// threshold. An empty aggregate set is never sufficient.
func (a *Allocator) sufficient(aggregates []db.VariantAggregate) bool {
	if len(aggregates) == 0 {
		return false
	}
	for _, agg := range aggregates {
		if agg.Impressions < a.cfg.MinImpressions {
			return false
		}
	}
	return true
}
