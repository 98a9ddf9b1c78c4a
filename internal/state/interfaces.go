package state

import (
	"context"
	"time"
)

// Store is the single owner of durable session, asset, job, event and audit
// state. Implementations serialize mutations per session while allowing full
// concurrency across sessions.
type Store interface {
	// PutAsset upserts the active asset for (session, camera), creating the
	// session as OPEN on first contact. It returns the superseded prior asset
	// for audit, or ErrSuperseded when the prior asset was already consumed.
	PutAsset(ctx context.Context, asset AssetRecord) (*AssetRecord, error)
	// EnsureSession creates the session as OPEN if absent and records the
	// expected camera set when it is not yet known.
	EnsureSession(ctx context.Context, sessionID string, expectedCameras []string) (SessionRecord, error)
	GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	ListSessionsByState(ctx context.Context, sessionState string) ([]SessionRecord, error)
	// UpdateSession persists the record after validating the state transition.
	UpdateSession(ctx context.Context, session SessionRecord) error
	// DeleteSession removes an expired empty session during garbage collection.
	DeleteSession(ctx context.Context, sessionID string) error
	SessionAssets(ctx context.Context, sessionID string) ([]AssetRecord, error)
	// MarkAssetsConsumed freezes the session's active assets once a stitch job
	// has started against them.
	MarkAssetsConsumed(ctx context.Context, sessionID string) error
	// ResetAssetsConsumed unfreezes the session's assets so a corrected
	// upload can supersede them after a terminal failure.
	ResetAssetsConsumed(ctx context.Context, sessionID string) error
	// MarkOffloaded records durable viewer receipt. It reports whether the
	// session was already offloaded with the same content checksum.
	MarkOffloaded(ctx context.Context, sessionID, checksum string) (bool, error)

	UpsertJob(ctx context.Context, job JobRecord) error
	// DeleteJobs drops every job record for the session so a resubmit starts
	// with a fresh attempt budget.
	DeleteJobs(ctx context.Context, sessionID string) error
	GetJob(ctx context.Context, sessionID, stage string) (JobRecord, bool, error)
	ListJobsBySession(ctx context.Context, sessionID string) ([]JobRecord, error)
	// ListDueJobs returns PENDING and FAILED_RETRYABLE jobs whose next-retry
	// time has passed.
	ListDueJobs(ctx context.Context, now time.Time) ([]JobRecord, error)
	// ClaimJob atomically moves a due job to RUNNING under the given lease.
	// The boolean result is false when the job is not claimable, which is how
	// duplicate dispatch of the same (session, stage) is suppressed.
	ClaimJob(ctx context.Context, ref JobRef, leaseID string, leaseExpires, now time.Time) (JobRecord, bool, error)
	// ListExpiredLeases returns RUNNING jobs whose lease lapsed (hung stage).
	ListExpiredLeases(ctx context.Context, now time.Time) ([]JobRecord, error)

	ReplaceEvents(ctx context.Context, sessionID string, events []EventRecord) error
	SessionEvents(ctx context.Context, sessionID string) ([]EventRecord, error)
	SearchEvents(ctx context.Context, query, sessionID string) ([]EventRecord, error)

	PutArtifacts(ctx context.Context, artifact ArtifactRecord) error
	SessionArtifacts(ctx context.Context, sessionID string) (ArtifactRecord, bool, error)

	AppendAuditEvent(ctx context.Context, event AuditEventRecord) error
	ListAuditEvents(ctx context.Context, sessionID string, limit int) ([]AuditEventRecord, error)
}

// JobQueue feeds the orchestrator's worker pool. Claims carry a visibility
// timeout; unacked claims become claimable again after it lapses.
type JobQueue interface {
	Enqueue(ctx context.Context, ref JobRef) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error)
	Ack(ctx context.Context, claims []QueueClaim) error
	Nack(ctx context.Context, claims []QueueClaim, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
}
