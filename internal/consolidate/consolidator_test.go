package consolidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolidateMergesNearbyDetections(t *testing.T) {
	// The same goal seen by two cameras 200ms apart is one event.
	events := Consolidate("sess-1", []Detection{
		{Type: "goal", CameraID: "CAM_L", StartMS: 10_000, EndMS: 12_000, Confidence: 0.81},
		{Type: "goal", CameraID: "CAM_C", StartMS: 10_200, EndMS: 12_400, Confidence: 0.93},
	}, 1000)

	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "goal", e.Type)
	assert.Equal(t, int64(10_000), e.StartMS)
	assert.Equal(t, int64(12_400), e.EndMS)
	assert.Equal(t, 0.93, e.Confidence)
	assert.Equal(t, []string{"CAM_C", "CAM_L"}, e.Cameras)
	assert.Equal(t, "goal@11", e.DedupKey)
}

func TestConsolidateKeepsDistantDetectionsDistinct(t *testing.T) {
	events := Consolidate("sess-1", []Detection{
		{Type: "goal", CameraID: "CAM_C", StartMS: 10_000, EndMS: 11_000, Confidence: 0.9},
		{Type: "goal", CameraID: "CAM_C", StartMS: 15_000, EndMS: 16_000, Confidence: 0.8},
	}, 1000)

	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].DedupKey, events[1].DedupKey)
	assert.Equal(t, int64(10_000), events[0].StartMS)
	assert.Equal(t, int64(15_000), events[1].StartMS)
}

func TestConsolidateAdjacentBucketsChain(t *testing.T) {
	// Midpoints land in buckets 10 and 11: adjacent, so they merge even though
	// they straddle a bucket boundary.
	events := Consolidate("sess-1", []Detection{
		{Type: "corner", CameraID: "CAM_L", StartMS: 10_400, EndMS: 10_600, Confidence: 0.5},
		{Type: "corner", CameraID: "CAM_R", StartMS: 11_400, EndMS: 11_600, Confidence: 0.7},
	}, 1000)

	require.Len(t, events, 1)
	assert.Equal(t, []string{"CAM_L", "CAM_R"}, events[0].Cameras)
	assert.Equal(t, 0.7, events[0].Confidence)
}

func TestConsolidateTypesDoNotMerge(t *testing.T) {
	events := Consolidate("sess-1", []Detection{
		{Type: "goal", CameraID: "CAM_C", StartMS: 10_000, EndMS: 11_000, Confidence: 0.9},
		{Type: "foul", CameraID: "CAM_C", StartMS: 10_000, EndMS: 11_000, Confidence: 0.6},
	}, 1000)

	require.Len(t, events, 2)
	assert.Equal(t, "foul", events[0].Type)
	assert.Equal(t, "goal", events[1].Type)
}

func TestConsolidateDuplicateCameraCountedOnce(t *testing.T) {
	events := Consolidate("sess-1", []Detection{
		{Type: "goal", CameraID: "CAM_C", StartMS: 10_000, EndMS: 11_000, Confidence: 0.9},
		{Type: "goal", CameraID: "CAM_C", StartMS: 10_100, EndMS: 11_100, Confidence: 0.8},
	}, 1000)

	require.Len(t, events, 1)
	assert.Equal(t, []string{"CAM_C"}, events[0].Cameras)
}

func TestConsolidateEmptyInput(t *testing.T) {
	assert.Empty(t, Consolidate("sess-1", nil, 1000))
}

func TestConsolidateNegativeTimesBucketCorrectly(t *testing.T) {
	// Trim math can push pre-roll detections before the session clock zero.
	events := Consolidate("sess-1", []Detection{
		{Type: "whistle", CameraID: "CAM_C", StartMS: -900, EndMS: -700, Confidence: 0.4},
		{Type: "whistle", CameraID: "CAM_L", StartMS: -600, EndMS: -400, Confidence: 0.5},
	}, 1000)

	require.Len(t, events, 1)
	assert.Equal(t, int64(-900), events[0].StartMS)
	assert.Equal(t, "whistle@-1", events[0].DedupKey)
}
