package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "matchcut.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestSQLitePutAssetSupersedeAndConsume(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	prior, err := store.PutAsset(ctx, AssetRecord{SessionID: "s1", CameraID: "CAM_L", Path: "/a.mp4", OffsetMS: 10})
	if err != nil {
		t.Fatalf("PutAsset: %v", err)
	}
	if prior != nil {
		t.Fatalf("expected no prior, got %+v", prior)
	}
	prior, err = store.PutAsset(ctx, AssetRecord{SessionID: "s1", CameraID: "CAM_L", Path: "/b.mp4", OffsetMS: 12})
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if prior == nil || prior.Path != "/a.mp4" {
		t.Fatalf("prior = %+v, want /a.mp4", prior)
	}

	if err := store.MarkAssetsConsumed(ctx, "s1"); err != nil {
		t.Fatalf("MarkAssetsConsumed: %v", err)
	}
	if _, err := store.PutAsset(ctx, AssetRecord{SessionID: "s1", CameraID: "CAM_L", Path: "/c.mp4"}); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("upload after consume: %v, want ErrSuperseded", err)
	}

	assets, err := store.SessionAssets(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionAssets: %v", err)
	}
	if len(assets) != 1 || assets[0].Path != "/b.mp4" || !assets[0].Consumed || assets[0].OffsetMS != 12 {
		t.Fatalf("assets = %+v", assets)
	}
}

func TestSQLiteResubmitCycle(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	now := time.Now().UTC()

	if _, err := store.PutAsset(ctx, AssetRecord{SessionID: "s1", CameraID: "CAM_L", Path: "/a.mp4"}); err != nil {
		t.Fatalf("PutAsset: %v", err)
	}
	if err := store.MarkAssetsConsumed(ctx, "s1"); err != nil {
		t.Fatalf("MarkAssetsConsumed: %v", err)
	}
	if err := store.UpsertJob(ctx, JobRecord{SessionID: "s1", Stage: StageStitch, State: JobFailedTerminal, Attempt: 6, MaxAttempts: 6, NextRetryAt: now}); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	if err := store.DeleteJobs(ctx, "s1"); err != nil {
		t.Fatalf("DeleteJobs: %v", err)
	}
	if _, ok, _ := store.GetJob(ctx, "s1", StageStitch); ok {
		t.Fatal("job survived DeleteJobs")
	}
	if err := store.ResetAssetsConsumed(ctx, "s1"); err != nil {
		t.Fatalf("ResetAssetsConsumed: %v", err)
	}
	prior, err := store.PutAsset(ctx, AssetRecord{SessionID: "s1", CameraID: "CAM_L", Path: "/a_fixed.mp4"})
	if err != nil {
		t.Fatalf("PutAsset after reset: %v", err)
	}
	if prior == nil || prior.Path != "/a.mp4" {
		t.Fatalf("prior = %+v, want /a.mp4", prior)
	}
}

func TestSQLiteSessionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t)

	sess, err := store.EnsureSession(ctx, "s1", []string{"CAM_L", "CAM_C", "CAM_R"})
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	sess.State = SessionReady
	sess.Degraded = true
	if err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.GetSession(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("GetSession after reopen: ok=%v err=%v", ok, err)
	}
	if got.State != SessionReady || !got.Degraded {
		t.Fatalf("session = %+v", got)
	}
	if len(got.ExpectedCameras) != 3 {
		t.Fatalf("expected cameras lost across reopen: %+v", got.ExpectedCameras)
	}
}

func TestSQLiteUpdateSessionRejectsRegression(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	sess, err := store.EnsureSession(ctx, "s1", nil)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	for _, next := range []string{SessionReady, SessionProcessing, SessionComplete} {
		sess.State = next
		if err := store.UpdateSession(ctx, sess); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	sess.State = SessionProcessing
	if err := store.UpdateSession(ctx, sess); !errors.Is(err, ErrStateRegression) {
		t.Fatalf("COMPLETE -> PROCESSING: %v, want ErrStateRegression", err)
	}
}

func TestSQLiteClaimJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	now := time.Now().UTC()

	if _, err := store.EnsureSession(ctx, "s1", nil); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	job := JobRecord{SessionID: "s1", Stage: StageStitch, State: JobPending, MaxAttempts: 6, NextRetryAt: now}
	if err := store.UpsertJob(ctx, job); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}

	ref := JobRef{SessionID: "s1", Stage: StageStitch}
	claimed, ok, err := store.ClaimJob(ctx, ref, "lease-1", now.Add(time.Minute), now)
	if err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}
	if claimed.State != JobRunning || claimed.Attempt != 1 || claimed.LeaseID != "lease-1" {
		t.Fatalf("claimed = %+v", claimed)
	}
	if _, ok, _ := store.ClaimJob(ctx, ref, "lease-2", now.Add(time.Minute), now); ok {
		t.Fatal("second claim succeeded on a RUNNING job")
	}

	// Retry scheduling: job becomes due again only after next_retry_at.
	claimed.State = JobFailedRetryable
	claimed.NextRetryAt = now.Add(10 * time.Second)
	if err := store.UpsertJob(ctx, claimed); err != nil {
		t.Fatalf("UpsertJob retryable: %v", err)
	}
	due, err := store.ListDueJobs(ctx, now)
	if err != nil {
		t.Fatalf("ListDueJobs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("job due before retry time: %+v", due)
	}
	due, err = store.ListDueJobs(ctx, now.Add(11*time.Second))
	if err != nil {
		t.Fatalf("ListDueJobs: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %+v, want one job", due)
	}
}

func TestSQLiteExpiredLeases(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	now := time.Now().UTC()

	if _, err := store.EnsureSession(ctx, "s1", nil); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if err := store.UpsertJob(ctx, JobRecord{SessionID: "s1", Stage: StageStitch, State: JobPending, NextRetryAt: now}); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	if _, ok, err := store.ClaimJob(ctx, JobRef{SessionID: "s1", Stage: StageStitch}, "l", now.Add(time.Second), now); err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}

	expired, err := store.ListExpiredLeases(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("ListExpiredLeases: %v", err)
	}
	if len(expired) != 1 || expired[0].LeaseID != "l" {
		t.Fatalf("expired = %+v", expired)
	}
	if expired, _ := store.ListExpiredLeases(ctx, now); len(expired) != 0 {
		t.Fatalf("lease expired early: %+v", expired)
	}
}

func TestSQLiteReplaceAndSearchEvents(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	if _, err := store.EnsureSession(ctx, "s1", nil); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	first := []EventRecord{
		{SessionID: "s1", Type: "goal", DedupKey: "goal@10", StartMS: 10_000, EndMS: 12_000, Confidence: 0.9, Cameras: []string{"CAM_C", "CAM_L"}},
		{SessionID: "s1", Type: "corner_kick", DedupKey: "corner_kick@20", StartMS: 20_000, EndMS: 21_000, Confidence: 0.6, Cameras: []string{"CAM_R"}},
	}
	if err := store.ReplaceEvents(ctx, "s1", first); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}

	// Replace is wholesale: a retried infer run does not accumulate duplicates.
	if err := store.ReplaceEvents(ctx, "s1", first[:1]); err != nil {
		t.Fatalf("second ReplaceEvents: %v", err)
	}
	events, err := store.SessionEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionEvents: %v", err)
	}
	if len(events) != 1 || events[0].Type != "goal" {
		t.Fatalf("events = %+v", events)
	}
	if len(events[0].Cameras) != 2 {
		t.Fatalf("cameras lost in round trip: %+v", events[0].Cameras)
	}

	if err := store.ReplaceEvents(ctx, "s1", first); err != nil {
		t.Fatalf("restore events: %v", err)
	}
	hits, err := store.SearchEvents(ctx, "GOAL", "s1")
	if err != nil {
		t.Fatalf("SearchEvents: %v", err)
	}
	if len(hits) != 1 || hits[0].DedupKey != "goal@10" {
		t.Fatalf("search hits = %+v", hits)
	}
}

func TestSQLiteArtifactsAndAudit(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	if _, err := store.EnsureSession(ctx, "s1", nil); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if _, ok, err := store.SessionArtifacts(ctx, "s1"); err != nil || ok {
		t.Fatalf("SessionArtifacts empty: ok=%v err=%v", ok, err)
	}
	artifact := ArtifactRecord{
		SessionID: "s1",
		Layout:    "three_up",
		PathFull:  "/out/s1_three_up_full.mp4",
		PathProxy: "/out/s1_three_up_proxy.mp4",
	}
	if err := store.PutArtifacts(ctx, artifact); err != nil {
		t.Fatalf("PutArtifacts: %v", err)
	}
	got, ok, err := store.SessionArtifacts(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("SessionArtifacts: ok=%v err=%v", ok, err)
	}
	if got.PathFull != artifact.PathFull || got.Layout != "three_up" {
		t.Fatalf("artifact = %+v", got)
	}

	for i := 0; i < 3; i++ {
		if err := store.AppendAuditEvent(ctx, AuditEventRecord{Action: "job_scheduled", SessionID: "s1"}); err != nil {
			t.Fatalf("AppendAuditEvent: %v", err)
		}
	}
	if err := store.AppendAuditEvent(ctx, AuditEventRecord{Action: "session_expired", SessionID: "other"}); err != nil {
		t.Fatalf("AppendAuditEvent: %v", err)
	}
	audit, err := store.ListAuditEvents(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(audit) != 2 || audit[0].Action != "job_scheduled" {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestSQLiteMarkOffloadedIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	if _, err := store.EnsureSession(ctx, "s1", nil); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	already, err := store.MarkOffloaded(ctx, "s1", "deadbeef")
	if err != nil || already {
		t.Fatalf("first MarkOffloaded: already=%v err=%v", already, err)
	}
	already, err = store.MarkOffloaded(ctx, "s1", "deadbeef")
	if err != nil || !already {
		t.Fatalf("repeat MarkOffloaded: already=%v err=%v", already, err)
	}
	// A different checksum is new content, not a duplicate.
	already, err = store.MarkOffloaded(ctx, "s1", "0badf00d")
	if err != nil || already {
		t.Fatalf("changed checksum: already=%v err=%v", already, err)
	}
}
