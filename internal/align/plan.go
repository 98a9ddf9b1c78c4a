// Package align computes the per-camera trim plan that maps heterogeneous
// camera clocks onto a single session clock. Compute is pure and
// deterministic: the same asset set always yields the same plan, which keeps
// stitch retries safe.
package align

import (
	"sort"
	"time"

	"github.com/example/matchcut/internal/state"
)

type CameraTrim struct {
	CameraID string `json:"camera_id"`
	TrimMS   int64  `json:"trim_ms"`
}

// Plan maps every included camera onto the session clock. Valid is false when
// the declared offsets disagree by more than the tolerance; the session then
// proceeds degraded with only the cameras within tolerance of the median
// offset, rather than aligning against a clock that cannot be trusted.
type Plan struct {
	Valid          bool         `json:"valid"`
	ToleranceMS    int64        `json:"tolerance_ms"`
	SpreadMS       int64        `json:"spread_ms"`
	MedianOffsetMS int64        `json:"median_offset_ms"`
	ReferenceStart time.Time    `json:"reference_start"`
	Trims          []CameraTrim `json:"trims"`
	Excluded       []string     `json:"excluded,omitempty"`
}

// Degraded reports whether the plan covers fewer cameras than the asset set.
func (p Plan) Degraded() bool { return len(p.Excluded) > 0 || !p.Valid }

// Usable reports whether at least one camera survived outlier exclusion.
func (p Plan) Usable() bool { return len(p.Trims) > 0 }

// Compute derives the alignment plan from the declared master-clock offsets.
// The trim for a camera is its declared offset, reported relative to the
// latest effective start among the included set so every output stream begins
// no earlier than each camera's actual recording start.
func Compute(assets []state.AssetRecord, toleranceMS int64) Plan {
	plan := Plan{ToleranceMS: toleranceMS}
	if len(assets) == 0 {
		return plan
	}

	sorted := make([]state.AssetRecord, len(assets))
	copy(sorted, assets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CameraID < sorted[j].CameraID })

	offsets := make([]int64, len(sorted))
	for i, a := range sorted {
		offsets[i] = a.OffsetMS
	}
	ranked := make([]int64, len(offsets))
	copy(ranked, offsets)
	sort.Slice(ranked, func(i, j int) bool { return ranked[i] < ranked[j] })

	plan.SpreadMS = ranked[len(ranked)-1] - ranked[0]
	plan.MedianOffsetMS = ranked[(len(ranked)-1)/2]
	plan.Valid = plan.SpreadMS <= toleranceMS

	for _, a := range sorted {
		if !plan.Valid && abs64(a.OffsetMS-plan.MedianOffsetMS) > toleranceMS {
			plan.Excluded = append(plan.Excluded, a.CameraID)
			continue
		}
		plan.Trims = append(plan.Trims, CameraTrim{CameraID: a.CameraID, TrimMS: a.OffsetMS})
		effective := a.StartLocal.Add(time.Duration(a.OffsetMS) * time.Millisecond)
		if effective.After(plan.ReferenceStart) {
			plan.ReferenceStart = effective
		}
	}
	return plan
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
