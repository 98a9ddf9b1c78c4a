package orchestrator

import (
	"context"

	"github.com/example/matchcut/internal/align"
	"github.com/example/matchcut/internal/consolidate"
	"github.com/example/matchcut/internal/state"
)

// StitchRunner invokes the external stitch tool with computed alignment
// parameters and returns the registered artifact pair.
type StitchRunner interface {
	Stitch(ctx context.Context, sess state.SessionRecord, assets []state.AssetRecord, plan align.Plan) (state.ArtifactRecord, error)
}

// Detector invokes the external ML detector against stitched media. An empty
// detection slice is a valid result.
type Detector interface {
	Detect(ctx context.Context, sess state.SessionRecord, artifact state.ArtifactRecord) ([]consolidate.Detection, error)
}

// Offloader delivers artifacts and the event timeline downstream and records
// durable confirmation. Implementations must be idempotent per session.
type Offloader interface {
	Offload(ctx context.Context, sess state.SessionRecord, artifact state.ArtifactRecord, events []state.EventRecord) error
}
