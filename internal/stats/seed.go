package stats

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// DeriveSeed computes the deterministic sampler seed for one experiment
// on one UTC day: the low 32 bits of SHA-256("{experiment_id}_{date}").
// Two allocation requests for the same experiment on the same day share
// a seed and therefore produce identical percentages; a new day
// re-randomizes the draw.
func DeriveSeed(experimentID string, day time.Time) uint32 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%s", experimentID, day.UTC().Format("2006-01-02"))))
	return binary.BigEndian.Uint32(sum[28:32])
}
