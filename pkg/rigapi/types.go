package rigapi

// Shared wire types for the orchestrator HTTP surface and the viewer/offload
// boundary. Timestamps cross the wire as RFC 3339 strings.

type UploadRequest struct {
	SessionID       string   `json:"session_id"`
	CameraID        string   `json:"camera_id"`
	Path            string   `json:"path"`
	Codec           string   `json:"codec,omitempty"`
	FPS             int      `json:"fps,omitempty"`
	BitrateMbps     float64  `json:"bitrate_mbps,omitempty"`
	StartLocal      string   `json:"start_local"`
	OffsetMS        int64    `json:"offset_ms"`
	DurationMS      int64    `json:"duration_ms"`
	DroppedFrames   int      `json:"dropped_frames,omitempty"`
	ChecksumSHA256  string   `json:"checksum_sha256"`
	ExpectedCameras []string `json:"expected_cameras,omitempty"`
}

type UploadResponse struct {
	Accepted     bool   `json:"accepted"`
	SessionID    string `json:"session_id"`
	CameraID     string `json:"camera_id"`
	SessionState string `json:"session_state"`
	Superseded   bool   `json:"superseded_prior,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type SessionSummary struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Degraded  bool   `json:"degraded,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Offloaded bool   `json:"offloaded,omitempty"`
	Cameras   int    `json:"cameras"`
	Events    int    `json:"events"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type AssetStatus struct {
	CameraID       string  `json:"camera_id"`
	Path           string  `json:"path"`
	Codec          string  `json:"codec,omitempty"`
	BitrateMbps    float64 `json:"bitrate_mbps,omitempty"`
	OffsetMS       int64   `json:"offset_ms"`
	DurationMS     int64   `json:"duration_ms"`
	DroppedFrames  int     `json:"dropped_frames,omitempty"`
	ChecksumSHA256 string  `json:"checksum_sha256,omitempty"`
	Consumed       bool    `json:"consumed"`
	UploadedAt     string  `json:"uploaded_at"`
}

type JobStatus struct {
	Stage       string `json:"stage"`
	State       string `json:"state"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

type ArtifactStatus struct {
	Layout         string `json:"layout"`
	PathFull       string `json:"path_fullres"`
	PathProxy      string `json:"path_proxy,omitempty"`
	ChecksumSHA256 string `json:"checksum_sha256,omitempty"`
}

type SessionDetail struct {
	SessionSummary
	ExpectedCameras []string        `json:"expected_cameras,omitempty"`
	Assets          []AssetStatus   `json:"assets"`
	Jobs            []JobStatus     `json:"jobs"`
	Artifacts       *ArtifactStatus `json:"artifacts,omitempty"`
}

type EventRecord struct {
	Type       string   `json:"type"`
	StartMS    int64    `json:"t_start_ms"`
	EndMS      int64    `json:"t_end_ms"`
	Confidence float64  `json:"confidence"`
	Cameras    []string `json:"cameras"`
	DedupKey   string   `json:"dedup_key"`
}

type CancelResponse struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
}

type ResubmitResponse struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
}

type AuditEvent struct {
	ID        int64  `json:"id"`
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	CameraID  string `json:"camera_id,omitempty"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ImportRequest is the payload delivered to the downstream viewer during
// offload. The viewer must acknowledge durable storage before the session is
// marked offloaded.
type ImportRequest struct {
	SessionID       string        `json:"session_id"`
	ContentChecksum string        `json:"content_checksum"`
	ChecksumAlgo    string        `json:"checksum_algo,omitempty"`
	PathFull        string        `json:"path_fullres"`
	PathProxy       string        `json:"path_proxy,omitempty"`
	Layout          string        `json:"layout,omitempty"`
	Events          []EventRecord `json:"events"`
}

type ImportReceipt struct {
	Received  bool   `json:"received"`
	Durable   bool   `json:"durable"`
	ReceiptID string `json:"receipt_id,omitempty"`
}
