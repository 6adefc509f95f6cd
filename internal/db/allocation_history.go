package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AllocationRecord is one computed allocation: a parent row plus one
// AllocationDetail per variant. Records are never mutated.
type AllocationRecord struct {
	ID               string             `json:"id"`
	ExperimentID     string             `json:"experiment_id"`
	ComputedAt       string             `json:"computed_at"`
	WindowDays       int                `json:"window_days"`
	Algorithm        string             `json:"algorithm"`
	AlgorithmVersion string             `json:"algorithm_version"`
	Seed             uint32             `json:"seed"`
	UsedFallback     bool               `json:"used_fallback"`
	TotalImpressions int64              `json:"total_impressions"`
	TotalClicks      int64              `json:"total_clicks"`
	Details          []AllocationDetail `json:"details"`
}

// AllocationDetail is one variant's share within an AllocationRecord.
type AllocationDetail struct {
	ID                   string   `json:"id"`
	VariantID            string   `json:"variant_id"`
	VariantName          string   `json:"variant_name"`
	IsControl            bool     `json:"is_control"`
	AllocationPercentage float64  `json:"allocation_percentage"`
	Impressions          int64    `json:"impressions"`
	Clicks               int64    `json:"clicks"`
	CTR                  float64  `json:"ctr"`
	BetaAlpha            float64  `json:"beta_alpha"`
	BetaBeta             float64  `json:"beta_beta"`
	CTRCILower           *float64 `json:"ctr_ci_lower,omitempty"`
	CTRCIUpper           *float64 `json:"ctr_ci_upper,omitempty"`
}

// SaveAllocation inserts the parent record and its per-variant details in
// one transaction, assigning fresh IDs. Totals are derived from the
// details. Returns the allocation ID.
func (d *DB) SaveAllocation(rec *AllocationRecord) (string, error) {
	rec.ID = uuid.NewString()
	rec.TotalImpressions = 0
	rec.TotalClicks = 0
	for i := range rec.Details {
		rec.Details[i].ID = uuid.NewString()
		rec.TotalImpressions += rec.Details[i].Impressions
		rec.TotalClicks += rec.Details[i].Clicks
	}

	tx, err := d.sql.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO allocation_history
			(id, experiment_id, computed_at, window_days, algorithm, algorithm_version,
			 seed, used_fallback, total_impressions, total_clicks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExperimentID, rec.ComputedAt, rec.WindowDays, rec.Algorithm, rec.AlgorithmVersion,
		int64(rec.Seed), boolToInt(rec.UsedFallback), rec.TotalImpressions, rec.TotalClicks)
	if err != nil {
		return "", fmt.Errorf("insert allocation: %w", err)
	}

	for _, det := range rec.Details {
		_, err = tx.Exec(`
			INSERT INTO allocation_details
				(id, allocation_id, variant_id, variant_name, is_control, allocation_percentage,
				 impressions, clicks, ctr, beta_alpha, beta_beta, ctr_ci_lower, ctr_ci_upper)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			det.ID, rec.ID, det.VariantID, det.VariantName, boolToInt(det.IsControl), det.AllocationPercentage,
			det.Impressions, det.Clicks, det.CTR, det.BetaAlpha, det.BetaBeta, det.CTRCILower, det.CTRCIUpper)
		if err != nil {
			return "", fmt.Errorf("insert allocation detail %q: %w", det.VariantName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return rec.ID, nil
}

// GetAllocationHistory returns the most recent limit AllocationRecords
// for an experiment, newest first, each with its details.
func (d *DB) GetAllocationHistory(experimentID string, limit int) ([]AllocationRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.sql.Query(`
		SELECT id, experiment_id, computed_at, window_days, algorithm, algorithm_version,
		       seed, used_fallback, total_impressions, total_clicks
		  FROM allocation_history
		 WHERE experiment_id = ?
		 ORDER BY computed_at DESC, id DESC
		 LIMIT ?`,
		experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("select allocation history: %w", err)
	}
	defer rows.Close()

	records := []AllocationRecord{}
	index := map[string]int{}
	var ids []interface{}
	for rows.Next() {
		var rec AllocationRecord
		var usedFallback int
		var seed int64
		if err := rows.Scan(&rec.ID, &rec.ExperimentID, &rec.ComputedAt, &rec.WindowDays, &rec.Algorithm,
			&rec.AlgorithmVersion, &seed, &usedFallback, &rec.TotalImpressions, &rec.TotalClicks); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		rec.Seed = uint32(seed)
		rec.UsedFallback = usedFallback != 0
		rec.Details = []AllocationDetail{}
		index[rec.ID] = len(records)
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	detailRows, err := d.sql.Query(`
		SELECT id, allocation_id, variant_id, variant_name, is_control, allocation_percentage,
		       impressions, clicks, ctr, beta_alpha, beta_beta, ctr_ci_lower, ctr_ci_upper
		  FROM allocation_details
		 WHERE allocation_id IN (`+placeholders+`)
		 ORDER BY is_control DESC, allocation_percentage DESC`,
		ids...)
	if err != nil {
		return nil, fmt.Errorf("select allocation details: %w", err)
	}
	defer detailRows.Close()

	for detailRows.Next() {
		var det AllocationDetail
		var allocationID string
		var isControl int
		var lower, upper sql.NullFloat64
		if err := detailRows.Scan(&det.ID, &allocationID, &det.VariantID, &det.VariantName, &isControl,
			&det.AllocationPercentage, &det.Impressions, &det.Clicks, &det.CTR,
			&det.BetaAlpha, &det.BetaBeta, &lower, &upper); err != nil {
			return nil, fmt.Errorf("scan allocation detail: %w", err)
		}
		det.IsControl = isControl != 0
		if lower.Valid {
			det.CTRCILower = &lower.Float64
		}
		if upper.Valid {
			det.CTRCIUpper = &upper.Float64
		}
		if i, ok := index[allocationID]; ok {
			records[i].Details = append(records[i].Details, det)
		}
	}
	return records, detailRows.Err()
}
