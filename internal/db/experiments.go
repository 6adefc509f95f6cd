package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Experiment statuses.
const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

// Experiment is one A/B experiment with its variants.
type Experiment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Variants    []Variant `json:"variants"`
	CreatedAt   string    `json:"created_at"`
	UpdatedAt   string    `json:"updated_at"`
}

// Variant is one experimental condition. Immutable after creation.
type Variant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsControl bool   `json:"is_control"`
	CreatedAt string `json:"created_at"`
}

// VariantSpec describes a variant at experiment-creation time.
type VariantSpec struct {
	Name      string `json:"name"`
	IsControl bool   `json:"is_control"`
}

// ValidStatus reports whether s is a known experiment status.
func ValidStatus(s string) bool {
	return s == StatusActive || s == StatusPaused || s == StatusArchived
}

func validateExperimentSpec(name string, variants []VariantSpec) error {
	if len(name) < 1 || len(name) > 255 {
		return validationErr("name", "must be 1..255 characters, got %d", len(name))
	}
	if len(variants) < 2 {
		return validationErr("variants", "at least 2 variants required, got %d", len(variants))
	}
	seen := make(map[string]bool, len(variants))
	hasControl := false
	for _, v := range variants {
		if len(v.Name) < 1 || len(v.Name) > 100 {
			return validationErr("variants.name", "must be 1..100 characters, got %d", len(v.Name))
		}
		if seen[v.Name] {
			return validationErr("variants.name", "duplicate variant name %q", v.Name)
		}
		seen[v.Name] = true
		if v.IsControl {
			hasControl = true
		}
	}
	if !hasControl {
		return validationErr("variants", "at least one variant must have is_control=true")
	}
	return nil
}

// CreateExperiment inserts one experiment row plus its variant rows in a
// single transaction. Returns ErrNameConflict if the name is taken and a
// ValidationError if the variant invariants do not hold.
func (d *DB) CreateExperiment(name, description string, variants []VariantSpec) (*Experiment, error) {
	if err := validateExperimentSpec(name, variants); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	expID := uuid.NewString()

	tx, err := d.sql.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow("SELECT id FROM experiments WHERE name = ?", name).Scan(&existing)
	if err == nil {
		return nil, ErrNameConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check name: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO experiments (id, name, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		expID, name, description, StatusActive, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert experiment: %w", err)
	}

	exp := &Experiment{
		ID:          expID,
		Name:        name,
		Description: description,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, spec := range variants {
		v := Variant{
			ID:        uuid.NewString(),
			Name:      spec.Name,
			IsControl: spec.IsControl,
			CreatedAt: now,
		}
		_, err = tx.Exec(`
			INSERT INTO variants (id, experiment_id, name, is_control, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			v.ID, expID, v.Name, boolToInt(v.IsControl), now)
		if err != nil {
			return nil, fmt.Errorf("insert variant %q: %w", v.Name, err)
		}
		exp.Variants = append(exp.Variants, v)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	sortVariants(exp.Variants)
	return exp, nil
}

// GetExperimentByID returns the experiment with its variants, control
// first then by name ascending. Returns ErrNotFound if missing.
func (d *DB) GetExperimentByID(id string) (*Experiment, error) {
	return d.getExperiment("id = ?", id)
}

// GetExperimentByName is GetExperimentByID keyed by the unique name.
func (d *DB) GetExperimentByName(name string) (*Experiment, error) {
	return d.getExperiment("name = ?", name)
}

func (d *DB) getExperiment(where string, arg interface{}) (*Experiment, error) {
	exp := &Experiment{}
	err := d.sql.QueryRow(`
		SELECT id, name, description, status, created_at, updated_at
		  FROM experiments
		 WHERE `+where,
		arg).Scan(&exp.ID, &exp.Name, &exp.Description, &exp.Status, &exp.CreatedAt, &exp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select experiment: %w", err)
	}

	rows, err := d.sql.Query(`
		SELECT id, name, is_control, created_at
		  FROM variants
		 WHERE experiment_id = ?
		 ORDER BY is_control DESC, name ASC`,
		exp.ID)
	if err != nil {
		return nil, fmt.Errorf("select variants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v Variant
		var isControl int
		if err := rows.Scan(&v.ID, &v.Name, &isControl, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		v.IsControl = isControl != 0
		exp.Variants = append(exp.Variants, v)
	}
	return exp, rows.Err()
}

// UpdateExperimentStatus sets the experiment status. Transitions are not
// enforced; any known status may be set. Returns ErrNotFound if missing
// and a ValidationError for an unknown status.
func (d *DB) UpdateExperimentStatus(id, status string) error {
	if !ValidStatus(status) {
		return validationErr("status", "must be one of active|paused|archived, got %q", status)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := d.sql.Exec(`
		UPDATE experiments SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// sortVariants orders control first, then by name ascending, the stable
// order every read path uses.
func sortVariants(vs []Variant) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && variantLess(vs[j], vs[j-1]); j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}

func variantLess(a, b Variant) bool {
	if a.IsControl != b.IsControl {
		return a.IsControl
	}
	return a.Name < b.Name
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
