package align

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/matchcut/internal/state"
)

func asset(camera string, offsetMS int64, start time.Time) state.AssetRecord {
	return state.AssetRecord{
		SessionID:  "sess-1",
		CameraID:   camera,
		Path:       "/data/" + camera + ".mp4",
		StartLocal: start,
		OffsetMS:   offsetMS,
		DurationMS: 60_000,
	}
}

func TestComputeThreeCameraRig(t *testing.T) {
	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	assets := []state.AssetRecord{
		asset("CAM_L", 10, base),
		asset("CAM_C", 0, base),
		asset("CAM_R", -15, base),
	}
	plan := Compute(assets, 2000)

	require.True(t, plan.Valid)
	assert.False(t, plan.Degraded())
	assert.Equal(t, int64(25), plan.SpreadMS)
	assert.Equal(t, int64(0), plan.MedianOffsetMS)

	require.Len(t, plan.Trims, 3)
	trims := map[string]int64{}
	for _, tr := range plan.Trims {
		trims[tr.CameraID] = tr.TrimMS
	}
	assert.Equal(t, int64(10), trims["CAM_L"])
	assert.Equal(t, int64(0), trims["CAM_C"])
	assert.Equal(t, int64(-15), trims["CAM_R"])

	// Latest effective start wins: CAM_L starts 10ms late on the session clock.
	assert.Equal(t, base.Add(10*time.Millisecond), plan.ReferenceStart)
}

func TestComputeIsDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	forward := []state.AssetRecord{
		asset("CAM_L", 10, base),
		asset("CAM_C", 0, base),
		asset("CAM_R", -15, base),
	}
	reversed := []state.AssetRecord{forward[2], forward[1], forward[0]}

	a := Compute(forward, 2000)
	b := Compute(reversed, 2000)
	assert.Equal(t, a, b)
}

func TestComputeExcludesOutlierBeyondTolerance(t *testing.T) {
	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	assets := []state.AssetRecord{
		asset("CAM_L", 10, base),
		asset("CAM_C", 0, base),
		asset("CAM_R", 9_000, base),
	}
	plan := Compute(assets, 2000)

	require.False(t, plan.Valid)
	assert.True(t, plan.Degraded())
	assert.True(t, plan.Usable())
	assert.Equal(t, []string{"CAM_R"}, plan.Excluded)
	require.Len(t, plan.Trims, 2)
	for _, tr := range plan.Trims {
		assert.NotEqual(t, "CAM_R", tr.CameraID)
	}
}

func TestComputeAllOutliersUnusable(t *testing.T) {
	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	// Two cameras, wildly apart. The median is the lower offset, so the upper
	// one is excluded and the lower survives; with three mutually distant
	// cameras only the median itself survives.
	assets := []state.AssetRecord{
		asset("CAM_A", 0, base),
		asset("CAM_B", 100_000, base),
		asset("CAM_C", -100_000, base),
	}
	plan := Compute(assets, 2000)
	require.False(t, plan.Valid)
	require.Len(t, plan.Trims, 1)
	assert.Equal(t, "CAM_A", plan.Trims[0].CameraID)
	assert.ElementsMatch(t, []string{"CAM_B", "CAM_C"}, plan.Excluded)
}

func TestComputeEmptyAssets(t *testing.T) {
	plan := Compute(nil, 2000)
	assert.False(t, plan.Valid)
	assert.False(t, plan.Usable())
}

func TestComputeSingleCamera(t *testing.T) {
	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	plan := Compute([]state.AssetRecord{asset("CAM_C", 42, base)}, 2000)
	require.True(t, plan.Valid)
	require.Len(t, plan.Trims, 1)
	assert.Equal(t, int64(42), plan.Trims[0].TrimMS)
	assert.Equal(t, base.Add(42*time.Millisecond), plan.ReferenceStart)
}
