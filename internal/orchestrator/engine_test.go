package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/matchcut/internal/align"
	"github.com/example/matchcut/internal/consolidate"
	"github.com/example/matchcut/internal/registry"
	"github.com/example/matchcut/internal/stage"
	"github.com/example/matchcut/internal/state"
)

type fakeStitcher struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (f *fakeStitcher) Stitch(_ context.Context, sess state.SessionRecord, _ []state.AssetRecord, _ align.Plan) (state.ArtifactRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail != nil {
		return state.ArtifactRecord{}, f.fail
	}
	return state.ArtifactRecord{
		SessionID: sess.ID,
		Layout:    "three_up",
		PathFull:  "/out/" + sess.ID + "_full.mp4",
		PathProxy: "/out/" + sess.ID + "_proxy.mp4",
	}, nil
}

func (f *fakeStitcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDetector struct {
	detections []consolidate.Detection
	fail       error
}

func (f *fakeDetector) Detect(_ context.Context, _ state.SessionRecord, _ state.ArtifactRecord) ([]consolidate.Detection, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.detections, nil
}

type fakeOffloader struct {
	calls int
	fail  error
}

func (f *fakeOffloader) Offload(_ context.Context, _ state.SessionRecord, _ state.ArtifactRecord, _ []state.EventRecord) error {
	f.calls++
	return f.fail
}

type harness struct {
	store    *state.MemoryStore
	queue    *state.MemoryQueue
	engine   *Engine
	stitcher *fakeStitcher
	detector *fakeDetector
	offload  *fakeOffloader
	now      time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:    state.NewMemoryStore(),
		queue:    state.NewMemoryQueue(),
		stitcher: &fakeStitcher{},
		detector: &fakeDetector{},
		offload:  &fakeOffloader{},
		now:      time.Now().UTC(),
	}
	reg := registry.New(h.store, registry.Config{ReadyDeadline: 90 * time.Second})
	clock := func() time.Time { return h.now }
	reg.SetClock(clock)
	h.engine = NewEngine(h.store, h.queue, reg, h.stitcher, h.detector, h.offload, opts)
	h.engine.SetClock(clock)
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// pump runs scheduling rounds until the queue drains or rounds are exhausted.
func (h *harness) pump(t *testing.T, rounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		if err := h.engine.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		claims, err := h.queue.Claim(ctx, 8, "test-worker", time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		for _, c := range claims {
			h.engine.processClaim(ctx, c)
		}
	}
}

func (h *harness) uploadAll(t *testing.T, sessionID string, offsets map[string]int64) {
	t.Helper()
	ctx := context.Background()
	cameras := make([]string, 0, len(offsets))
	for cam := range offsets {
		cameras = append(cameras, cam)
	}
	if _, err := h.store.EnsureSession(ctx, sessionID, cameras); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	for cam, offset := range offsets {
		_, err := h.store.PutAsset(ctx, state.AssetRecord{
			SessionID:  sessionID,
			CameraID:   cam,
			Path:       "/data/" + cam + ".mp4",
			StartLocal: h.now,
			OffsetMS:   offset,
			UploadedAt: h.now,
		})
		if err != nil {
			t.Fatalf("PutAsset %s: %v", cam, err)
		}
		if err := h.engine.NoteUpload(ctx, sessionID); err != nil {
			t.Fatalf("NoteUpload %s: %v", cam, err)
		}
	}
}

func TestEngineRunsSessionToCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.detector.detections = []consolidate.Detection{
		{Type: "goal", CameraID: "CAM_C", StartMS: 10_000, EndMS: 12_000, Confidence: 0.9},
		{Type: "goal", CameraID: "CAM_L", StartMS: 10_200, EndMS: 12_100, Confidence: 0.8},
	}

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 10, "CAM_C": 0, "CAM_R": -15})
	h.pump(t, 5)

	sess, ok, err := h.store.GetSession(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("GetSession: ok=%v err=%v", ok, err)
	}
	if sess.State != state.SessionComplete {
		t.Fatalf("session state = %s, want COMPLETE", sess.State)
	}
	if sess.Degraded {
		t.Fatal("full rig within tolerance must not be degraded")
	}

	jobs, err := h.store.ListJobsBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("ListJobsBySession: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("jobs = %+v, want stitch/infer/offload", jobs)
	}
	for _, j := range jobs {
		if j.State != state.JobSucceeded {
			t.Fatalf("job %s state = %s, want SUCCEEDED", j.Stage, j.State)
		}
		if j.Attempt != 1 {
			t.Fatalf("job %s attempt = %d, want 1", j.Stage, j.Attempt)
		}
	}

	events, err := h.store.SessionEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("consolidated events = %+v, want one merged goal", events)
	}

	assets, _ := h.store.SessionAssets(ctx, "s1")
	for _, a := range assets {
		if !a.Consumed {
			t.Fatalf("asset %s not consumed after stitch", a.CameraID)
		}
	}
	if h.offload.calls != 1 {
		t.Fatalf("offload calls = %d, want 1", h.offload.calls)
	}
}

func TestEngineDuplicateEnqueueRunsStageOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})

	// Force duplicate refs into the queue; the claim guard must let only one
	// execution through.
	ref := state.JobRef{SessionID: "s1", Stage: state.StageStitch}
	for i := 0; i < 3; i++ {
		if err := h.queue.Enqueue(ctx, ref); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	claims, err := h.queue.Claim(ctx, 10, "w", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for _, c := range claims {
		h.engine.processClaim(ctx, c)
	}
	if got := h.stitcher.callCount(); got != 1 {
		t.Fatalf("stitcher ran %d times, want 1", got)
	}
}

func TestEngineRetriesTransientFailureThenSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Backoff: Backoff{Base: time.Second, Factor: 2, Cap: time.Minute, MaxAttempts: 6}})
	boom := errors.New("stitch tool failed: signal: killed")
	h.stitcher.fail = boom

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})
	h.pump(t, 1)

	job, ok, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if !ok || job.State != state.JobFailedRetryable {
		t.Fatalf("job after transient failure = %+v", job)
	}
	if job.Attempt != 1 || job.LastError == "" {
		t.Fatalf("attempt/error not recorded: %+v", job)
	}
	if !job.NextRetryAt.After(h.now) {
		t.Fatalf("NextRetryAt %v not in the future", job.NextRetryAt)
	}

	// Not due yet: nothing runs.
	h.pump(t, 1)
	if got := h.stitcher.callCount(); got != 1 {
		t.Fatalf("stitcher ran %d times before retry due, want 1", got)
	}

	h.stitcher.fail = nil
	h.advance(2 * time.Minute)
	h.pump(t, 5)

	sess, _, _ := h.store.GetSession(ctx, "s1")
	if sess.State != state.SessionComplete {
		t.Fatalf("session state = %s, want COMPLETE after retry", sess.State)
	}
	job, _, _ = h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", job.Attempt)
	}
}

func TestEngineAttemptBudgetExhaustionFailsSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Backoff: Backoff{Base: time.Second, Factor: 2, Cap: time.Minute, MaxAttempts: 6}})
	h.stitcher.fail = errors.New("stitch tool failed: exit status 1")

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})
	for i := 0; i < 10; i++ {
		h.pump(t, 1)
		h.advance(2 * time.Minute)
	}

	job, _, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.State != state.JobFailedTerminal {
		t.Fatalf("job state = %s, want FAILED_TERMINAL", job.State)
	}
	if job.Attempt != 6 {
		t.Fatalf("attempt = %d, want the full budget of 6", job.Attempt)
	}
	if got := h.stitcher.callCount(); got != 6 {
		t.Fatalf("stitcher ran %d times, want 6", got)
	}

	sess, _, _ := h.store.GetSession(ctx, "s1")
	if sess.State != state.SessionFailed || sess.LastError == "" {
		t.Fatalf("session = %+v, want FAILED with recorded error", sess)
	}

	// Budget exhausted: no further dispatch.
	h.pump(t, 2)
	if got := h.stitcher.callCount(); got != 6 {
		t.Fatalf("stitcher ran after terminal failure: %d", got)
	}
}

func TestEngineTerminalErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.stitcher.fail = stage.Terminal(errors.New("stitch tool rejected input: bad codec"))

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})
	h.pump(t, 2)

	job, _, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.State != state.JobFailedTerminal || job.Attempt != 1 {
		t.Fatalf("job = %+v, want FAILED_TERMINAL on first attempt", job)
	}
	sess, _, _ := h.store.GetSession(ctx, "s1")
	if sess.State != state.SessionFailed {
		t.Fatalf("session state = %s, want FAILED", sess.State)
	}
}

func TestEngineDegradedAlignmentPropagates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{ToleranceMS: 2000})

	// CAM_R's clock is 9s off: excluded, session proceeds degraded.
	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 10, "CAM_C": 0, "CAM_R": 9000})
	h.pump(t, 5)

	sess, _, _ := h.store.GetSession(ctx, "s1")
	if sess.State != state.SessionComplete {
		t.Fatalf("session state = %s, want COMPLETE", sess.State)
	}
	if !sess.Degraded {
		t.Fatal("outlier exclusion must mark the session degraded")
	}
}

func TestEngineCancelStopsDispatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})

	sess, err := h.engine.CancelSession(ctx, "s1")
	if err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if !sess.Cancelled || sess.State != state.SessionFailed {
		t.Fatalf("cancelled session = %+v", sess)
	}

	h.pump(t, 3)
	if got := h.stitcher.callCount(); got != 0 {
		t.Fatalf("stitcher ran %d times after cancellation", got)
	}
	job, _, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.State != state.JobFailedTerminal {
		t.Fatalf("job state = %s, want FAILED_TERMINAL", job.State)
	}

	if _, err := h.engine.CancelSession(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("cancel missing session: %v, want ErrNotFound", err)
	}
}

func TestEngineCancelDuringRunningStageStaysTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{LeaseDuration: time.Minute})

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})

	// Claim the job as a worker mid-stage, then cancel the session under it.
	ref := state.JobRef{SessionID: "s1", Stage: state.StageStitch}
	claimed, ok, err := h.store.ClaimJob(ctx, ref, "lease-live", h.now.Add(time.Minute), h.now)
	if err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}
	if _, err := h.engine.CancelSession(ctx, "s1"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	job, _, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.State != state.JobFailedTerminal {
		t.Fatalf("job state after cancel = %s, want FAILED_TERMINAL", job.State)
	}

	// The worker's stage context was cancelled; its report must not resurrect
	// the job as retryable.
	if err := h.engine.reportFailure(ctx, claimed, context.Canceled); err != nil {
		t.Fatalf("reportFailure after cancel: %v", err)
	}
	job, _, _ = h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.State != state.JobFailedTerminal {
		t.Fatalf("job state after worker report = %s, want FAILED_TERMINAL to stick", job.State)
	}
	if err := h.engine.reportSuccess(ctx, claimed); err != nil {
		t.Fatalf("reportSuccess after cancel: %v", err)
	}
	job, _, _ = h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.State != state.JobFailedTerminal {
		t.Fatalf("late success overrode cancelled job: %+v", job)
	}

	h.advance(2 * time.Minute)
	h.pump(t, 3)
	if got := h.stitcher.callCount(); got != 0 {
		t.Fatalf("stitcher ran %d times after cancellation", got)
	}
}

func TestEngineResubmitReopensFailedSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.stitcher.fail = stage.Terminal(errors.New("stitch tool rejected input: bad codec"))

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})
	h.pump(t, 2)

	sess, _, _ := h.store.GetSession(ctx, "s1")
	if sess.State != state.SessionFailed {
		t.Fatalf("session state = %s, want FAILED", sess.State)
	}

	// The failed run consumed the assets, so a corrected upload is rejected
	// until the session is resubmitted.
	corrected := state.AssetRecord{
		SessionID:  "s1",
		CameraID:   "CAM_L",
		Path:       "/data/CAM_L_fixed.mp4",
		StartLocal: h.now,
		UploadedAt: h.now,
	}
	if _, err := h.store.PutAsset(ctx, corrected); !errors.Is(err, state.ErrSuperseded) {
		t.Fatalf("PutAsset before resubmit: %v, want ErrSuperseded", err)
	}

	if _, err := h.engine.ResubmitSession(ctx, "s1"); err != nil {
		t.Fatalf("ResubmitSession: %v", err)
	}
	if jobs, _ := h.store.ListJobsBySession(ctx, "s1"); len(jobs) != 0 {
		t.Fatalf("jobs after resubmit = %+v, want none", jobs)
	}

	h.stitcher.fail = nil
	if _, err := h.store.PutAsset(ctx, corrected); err != nil {
		t.Fatalf("PutAsset after resubmit: %v", err)
	}
	if err := h.engine.NoteUpload(ctx, "s1"); err != nil {
		t.Fatalf("NoteUpload: %v", err)
	}
	h.pump(t, 5)

	sess, _, _ = h.store.GetSession(ctx, "s1")
	if sess.State != state.SessionComplete {
		t.Fatalf("session state = %s, want COMPLETE after resubmit", sess.State)
	}
	job, _, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.Attempt != 1 {
		t.Fatalf("attempt = %d, want a fresh budget starting at 1", job.Attempt)
	}
}

func TestEngineResubmitRejectsNonFailedSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	if _, err := h.engine.ResubmitSession(ctx, "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("resubmit missing session: %v, want ErrNotFound", err)
	}

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})
	if _, err := h.engine.ResubmitSession(ctx, "s1"); !errors.Is(err, ErrNotResubmittable) {
		t.Fatalf("resubmit READY session: %v, want ErrNotResubmittable", err)
	}

	if _, err := h.engine.CancelSession(ctx, "s1"); err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if _, err := h.engine.ResubmitSession(ctx, "s1"); !errors.Is(err, ErrNotResubmittable) {
		t.Fatalf("resubmit cancelled session: %v, want ErrNotResubmittable", err)
	}
}

func TestEngineReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{LeaseDuration: time.Minute, Backoff: Backoff{Base: time.Second, Factor: 2, Cap: time.Minute, MaxAttempts: 6}})

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})

	// Claim the job directly, simulating a worker that died mid-stage.
	ref := state.JobRef{SessionID: "s1", Stage: state.StageStitch}
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok, err := h.store.ClaimJob(ctx, ref, "dead-lease", h.now.Add(time.Minute), h.now); err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}

	h.advance(2 * time.Minute)
	if err := h.engine.Tick(ctx); err != nil {
		t.Fatalf("Tick after lease expiry: %v", err)
	}
	job, _, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.State != state.JobFailedRetryable {
		t.Fatalf("job state = %s, want FAILED_RETRYABLE after lease reclaim", job.State)
	}

	h.advance(2 * time.Minute)
	h.pump(t, 5)
	sess, _, _ := h.store.GetSession(ctx, "s1")
	if sess.State != state.SessionComplete {
		t.Fatalf("session state = %s, want COMPLETE after reclaim and retry", sess.State)
	}
}

func TestEngineSuppressesDuplicateReportForSameLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{LeaseDuration: time.Minute})

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})

	ref := state.JobRef{SessionID: "s1", Stage: state.StageStitch}
	claimed, ok, err := h.store.ClaimJob(ctx, ref, "lease-x", h.now.Add(time.Minute), h.now)
	if err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}

	// Lease reclaimed by the tick loop...
	if err := h.engine.reportFailure(ctx, claimed, errors.New("stage lease expired")); err != nil {
		t.Fatalf("reportFailure: %v", err)
	}
	job, _, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if job.State != state.JobFailedRetryable || job.Attempt != 1 {
		t.Fatalf("job after reclaim = %+v", job)
	}

	// ...then the presumed-dead worker reports the same lease. That must not
	// burn a second attempt or disturb the retry schedule.
	if err := h.engine.reportFailure(ctx, claimed, errors.New("stitch tool failed: late")); err != nil {
		t.Fatalf("late reportFailure: %v", err)
	}
	again, _, _ := h.store.GetJob(ctx, "s1", state.StageStitch)
	if again.State != job.State || !again.NextRetryAt.Equal(job.NextRetryAt) || again.LastError != job.LastError {
		t.Fatalf("late report changed the job: %+v vs %+v", again, job)
	}
	if err := h.engine.reportSuccess(ctx, claimed); err != nil {
		t.Fatalf("late reportSuccess: %v", err)
	}
	again, _, _ = h.store.GetJob(ctx, "s1", state.StageStitch)
	if again.State != state.JobFailedRetryable {
		t.Fatalf("late success overrode reclaimed job: %+v", again)
	}
}

func TestEngineStagesRunInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.detector.fail = errors.New("detector crashed")
	h.engine.opts.Backoff = Backoff{Base: time.Second, Factor: 2, Cap: time.Minute, MaxAttempts: 6}.normalized()

	h.uploadAll(t, "s1", map[string]int64{"CAM_L": 0, "CAM_C": 5})
	h.pump(t, 3)

	// Stitch succeeded, infer failed: offload must not exist yet.
	if _, ok, _ := h.store.GetJob(ctx, "s1", state.StageOffload); ok {
		t.Fatal("offload scheduled before infer succeeded")
	}
	if h.offload.calls != 0 {
		t.Fatalf("offload ran %d times before infer success", h.offload.calls)
	}

	h.detector.fail = nil
	h.advance(2 * time.Minute)
	h.pump(t, 5)
	sess, _, _ := h.store.GetSession(ctx, "s1")
	if sess.State != state.SessionComplete {
		t.Fatalf("session state = %s, want COMPLETE", sess.State)
	}
}
