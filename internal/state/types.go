package state

import "time"

// Session lifecycle states. Transitions are monotonic forward except the
// FAILED -> PROCESSING reopen path; a session never returns to OPEN once any
// asset has been processed.
const (
	SessionOpen       = "OPEN"
	SessionReady      = "READY"
	SessionProcessing = "PROCESSING"
	SessionComplete   = "COMPLETE"
	SessionFailed     = "FAILED"
)

// Processing stages, in dispatch order.
const (
	StageStitch  = "stitch"
	StageInfer   = "infer"
	StageOffload = "offload"
)

// Job states.
const (
	JobPending         = "PENDING"
	JobRunning         = "RUNNING"
	JobSucceeded       = "SUCCEEDED"
	JobFailedRetryable = "FAILED_RETRYABLE"
	JobFailedTerminal  = "FAILED_TERMINAL"
)

type SessionRecord struct {
	ID              string
	ExpectedCameras []string
	State           string
	Degraded        bool
	Cancelled       bool
	Offloaded       bool
	OffloadChecksum string
	LastError       string
	FirstAssetAt    time.Time
	ReadyDeadline   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type AssetRecord struct {
	SessionID      string
	CameraID       string
	Path           string
	Codec          string
	FPS            int
	BitrateMbps    float64
	StartLocal     time.Time
	OffsetMS       int64
	DurationMS     int64
	DroppedFrames  int
	ChecksumSHA256 string
	Consumed       bool
	UploadedAt     time.Time
	UpdatedAt      time.Time
}

type JobRecord struct {
	SessionID     string
	Stage         string
	State         string
	Attempt       int
	MaxAttempts   int
	LastError     string
	NextRetryAt   time.Time
	LeaseID       string
	LeaseExpires  time.Time
	LastReportKey string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type EventRecord struct {
	SessionID  string
	Type       string
	DedupKey   string
	StartMS    int64
	EndMS      int64
	Confidence float64
	Cameras    []string
	CreatedAt  time.Time
}

// ArtifactRecord is the stitched output pair registered after a successful
// stitch stage.
type ArtifactRecord struct {
	SessionID      string
	Layout         string
	PathFull       string
	PathProxy      string
	ChecksumSHA256 string
	CreatedAt      time.Time
}

type AuditEventRecord struct {
	ID        int64
	Action    string
	SessionID string
	CameraID  string
	Details   string
	CreatedAt time.Time
}

type JobRef struct {
	SessionID string
	Stage     string
}

type QueueClaim struct {
	Ref       JobRef
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}
