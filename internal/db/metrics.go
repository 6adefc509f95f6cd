package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"mab-api/internal/stats"
)

// Metric batch sources accepted by ingestion.
var validSources = map[string]bool{
	"api":    true,
	"gam":    true,
	"cdp":    true,
	"manual": true,
}

// MetricEntry is one variant's daily rollup within an ingestion batch.
type MetricEntry struct {
	VariantName string  `json:"variant_name"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Sessions    int64   `json:"sessions"`
	Revenue     float64 `json:"revenue"`
}

func validateMetricEntry(e MetricEntry) error {
	if e.Impressions < 0 {
		return validationErr("impressions", "must be >= 0, got %d", e.Impressions)
	}
	if e.Clicks < 0 {
		return validationErr("clicks", "must be >= 0, got %d", e.Clicks)
	}
	if e.Sessions < 0 {
		return validationErr("sessions", "must be >= 0, got %d", e.Sessions)
	}
	if e.Revenue < 0 {
		return validationErr("revenue", "must be >= 0, got %v", e.Revenue)
	}
	if e.Clicks > e.Impressions {
		return validationErr("clicks", "clicks (%d) cannot exceed impressions (%d)", e.Clicks, e.Impressions)
	}
	return nil
}

// RecordMetrics ingests one daily batch for an experiment: per entry it
// appends a RawMetric row (audit, never updated) and upserts the matching
// DailyMetric row (last writer wins). The whole batch is one transaction.
//
// Returns ErrNotFound for an unknown experiment, ErrUnknownVariant
// (wrapped with the name) for an unknown variant, and a ValidationError
// for shape violations.
func (d *DB) RecordMetrics(experimentID string, date time.Time, entries []MetricEntry, source, batchID string) (int, error) {
	if len(entries) == 0 {
		return 0, validationErr("metrics", "at least one entry required")
	}
	if source == "" {
		source = "api"
	}
	if !validSources[source] {
		return 0, validationErr("source", "must be one of api|gam|cdp|manual, got %q", source)
	}
	for _, e := range entries {
		if err := validateMetricEntry(e); err != nil {
			return 0, err
		}
	}

	exp, err := d.GetExperimentByID(experimentID)
	if err != nil {
		return 0, err
	}
	variantIDs := make(map[string]string, len(exp.Variants))
	for _, v := range exp.Variants {
		variantIDs[v.Name] = v.ID
	}
	for _, e := range entries {
		if _, ok := variantIDs[e.VariantName]; !ok {
			return 0, fmt.Errorf("%w: %q not in experiment %s", ErrUnknownVariant, e.VariantName, experimentID)
		}
	}

	day := date.UTC().Format("2006-01-02")
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := d.sql.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		variantID := variantIDs[e.VariantName]

		var batch interface{}
		if batchID != "" {
			batch = batchID
		}
		_, err = tx.Exec(`
			INSERT INTO raw_metrics (id, variant_id, metric_date, impressions, clicks, sessions, revenue, source, batch_id, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), variantID, day, e.Impressions, e.Clicks, e.Sessions, e.Revenue, source, batch, now)
		if err != nil {
			return 0, fmt.Errorf("insert raw metric: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO daily_metrics (id, variant_id, metric_date, impressions, clicks, sessions, revenue, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(variant_id, metric_date) DO UPDATE SET
				impressions = excluded.impressions,
				clicks      = excluded.clicks,
				sessions    = excluded.sessions,
				revenue     = excluded.revenue,
				updated_at  = excluded.updated_at`,
			uuid.NewString(), variantID, day, e.Impressions, e.Clicks, e.Sessions, e.Revenue, now)
		if err != nil {
			return 0, fmt.Errorf("upsert daily metric: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(entries), nil
}

// VariantAggregate is one variant's summed counts over an aggregation
// window, with the CTR Wilson interval attached. CTRCI is nil when the
// variant has no impressions in the window.
type VariantAggregate struct {
	VariantID   string
	VariantName string
	IsControl   bool
	Impressions int64
	Clicks      int64
	Sessions    int64
	Revenue     float64
	CTR         float64
	CTRCI       *stats.Interval
}

// AggregateForAllocation sums daily metrics per variant over the
// half-open window [today−windowDays, today), excluding the partial
// current day. Variants with no rows in the window still appear with
// zeros. Ordering: control first, then variant name ascending.
func (d *DB) AggregateForAllocation(experimentID string, windowDays int, today time.Time) ([]VariantAggregate, error) {
	today = today.UTC()
	to := today.Format("2006-01-02")
	from := today.AddDate(0, 0, -windowDays).Format("2006-01-02")

	rows, err := d.sql.Query(`
		SELECT v.id, v.name, v.is_control,
		       COALESCE(SUM(m.impressions), 0),
		       COALESCE(SUM(m.clicks), 0),
		       COALESCE(SUM(m.sessions), 0),
		       COALESCE(SUM(m.revenue), 0)
		  FROM variants v
		  LEFT JOIN daily_metrics m
		    ON m.variant_id = v.id
		   AND m.metric_date >= ?
		   AND m.metric_date < ?
		 WHERE v.experiment_id = ?
		 GROUP BY v.id, v.name, v.is_control
		 ORDER BY v.is_control DESC, v.name ASC`,
		from, to, experimentID)
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}
	defer rows.Close()

	var out []VariantAggregate
	for rows.Next() {
		var a VariantAggregate
		var isControl int
		if err := rows.Scan(&a.VariantID, &a.VariantName, &isControl, &a.Impressions, &a.Clicks, &a.Sessions, &a.Revenue); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		a.IsControl = isControl != 0
		if a.Impressions > 0 {
			a.CTR = float64(a.Clicks) / float64(a.Impressions)
		}
		a.CTRCI = stats.WilsonInterval(a.Clicks, a.Impressions)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DailyMetricRow is one (variant, day) rollup in the metrics history.
type DailyMetricRow struct {
	MetricDate  string  `json:"metric_date"`
	VariantID   string  `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	IsControl   bool    `json:"is_control"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Sessions    int64   `json:"sessions"`
	Revenue     float64 `json:"revenue"`
	CTR         float64 `json:"ctr"`
}

// GetMetricsHistory returns the daily-metric time series for an
// experiment, newest day first, control first within a day.
func (d *DB) GetMetricsHistory(experimentID string) ([]DailyMetricRow, error) {
	rows, err := d.sql.Query(`
		SELECT m.metric_date, v.id, v.name, v.is_control,
		       m.impressions, m.clicks, m.sessions, m.revenue
		  FROM daily_metrics m
		  JOIN variants v ON v.id = m.variant_id
		 WHERE v.experiment_id = ?
		 ORDER BY m.metric_date DESC, v.is_control DESC, v.name ASC`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("select metrics history: %w", err)
	}
	defer rows.Close()

	out := []DailyMetricRow{}
	for rows.Next() {
		var r DailyMetricRow
		var isControl int
		if err := rows.Scan(&r.MetricDate, &r.VariantID, &r.VariantName, &isControl, &r.Impressions, &r.Clicks, &r.Sessions, &r.Revenue); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.IsControl = isControl != 0
		if r.Impressions > 0 {
			r.CTR = float64(r.Clicks) / float64(r.Impressions)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RawMetricCount returns the number of raw-metric rows for a variant on
// one day. Used to verify append-only semantics.
func (d *DB) RawMetricCount(variantID string, date time.Time) (int, error) {
	var n int
	err := d.sql.QueryRow(`
		SELECT COUNT(*) FROM raw_metrics WHERE variant_id = ? AND metric_date = ?`,
		variantID, date.UTC().Format("2006-01-02")).Scan(&n)
	return n, err
}
