// Package orchestrator drives sessions through the stitch, infer and offload
// stages. Each (session, stage) pair is an explicit state machine with a
// persisted attempt counter and next-retry timestamp, so a crash mid-retry
// resumes where it left off instead of restarting the attempt budget.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/matchcut/internal/align"
	"github.com/example/matchcut/internal/consolidate"
	"github.com/example/matchcut/internal/observability"
	"github.com/example/matchcut/internal/registry"
	"github.com/example/matchcut/internal/stage"
	"github.com/example/matchcut/internal/state"
)

type StageTimeouts struct {
	Stitch  time.Duration
	Infer   time.Duration
	Offload time.Duration
}

type Options struct {
	ToleranceMS   int64
	BucketMS      int64
	Backoff       Backoff
	Workers       int
	TickInterval  time.Duration
	PollInterval  time.Duration
	LeaseDuration time.Duration
	StageTimeouts StageTimeouts
}

func (o Options) normalized() Options {
	if o.ToleranceMS <= 0 {
		o.ToleranceMS = 2000
	}
	if o.BucketMS <= 0 {
		o.BucketMS = 1000
	}
	o.Backoff = o.Backoff.normalized()
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 15 * time.Minute
	}
	if o.StageTimeouts.Stitch <= 0 {
		o.StageTimeouts.Stitch = 10 * time.Minute
	}
	if o.StageTimeouts.Infer <= 0 {
		o.StageTimeouts.Infer = 10 * time.Minute
	}
	if o.StageTimeouts.Offload <= 0 {
		o.StageTimeouts.Offload = 2 * time.Minute
	}
	return o
}

type Engine struct {
	store    state.Store
	queue    state.JobQueue
	registry *registry.Registry
	stitcher StitchRunner
	detector Detector
	offload  Offloader
	opts     Options
	now      func() time.Time

	mu       sync.Mutex
	inflight map[state.JobRef]context.CancelFunc
	queued   map[state.JobRef]bool
}

func NewEngine(store state.Store, queue state.JobQueue, reg *registry.Registry, stitcher StitchRunner, detector Detector, offloader Offloader, opts Options) *Engine {
	return &Engine{
		store:    store,
		queue:    queue,
		registry: reg,
		stitcher: stitcher,
		detector: detector,
		offload:  offloader,
		opts:     opts.normalized(),
		now:      time.Now,
		inflight: make(map[state.JobRef]context.CancelFunc),
		queued:   make(map[state.JobRef]bool),
	}
}

// SetClock replaces the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ErrNotResubmittable rejects a resubmit request against a session that is
// not sitting in FAILED, or that an operator has cancelled.
var ErrNotResubmittable = errors.New("session is not resubmittable")

// NoteUpload re-evaluates readiness after an accepted asset write and
// schedules the stitch stage when the session just became READY. For a FAILED
// session whose job records were cleared by ResubmitSession, the corrected
// upload restarts the pipeline from stitch instead.
func (e *Engine) NoteUpload(ctx context.Context, sessionID string) error {
	sess, becameReady, err := e.registry.NoteAssetWrite(ctx, sessionID)
	if err != nil {
		return err
	}
	if becameReady || (sess.State == state.SessionFailed && !sess.Cancelled) {
		return e.ensureStage(ctx, sess, state.StageStitch)
	}
	return nil
}

// ResubmitSession reopens a FAILED session so an operator can upload a
// corrected asset: the consumed flag is cleared from the asset set and the
// exhausted job records are dropped, giving the rescheduled stitch a fresh
// attempt budget. Processing restarts when the corrected upload arrives.
func (e *Engine) ResubmitSession(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	sess, ok, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if !ok {
		return state.SessionRecord{}, state.ErrNotFound
	}
	if sess.Cancelled {
		return sess, fmt.Errorf("%w: session %s was cancelled by an operator", ErrNotResubmittable, sessionID)
	}
	if sess.State != state.SessionFailed {
		return sess, fmt.Errorf("%w: session %s is %s, want FAILED", ErrNotResubmittable, sessionID, sess.State)
	}
	if err := e.store.DeleteJobs(ctx, sessionID); err != nil {
		return state.SessionRecord{}, err
	}
	if err := e.store.ResetAssetsConsumed(ctx, sessionID); err != nil {
		return state.SessionRecord{}, err
	}
	_ = e.store.AppendAuditEvent(ctx, state.AuditEventRecord{
		Action:    "session_resubmitted",
		SessionID: sessionID,
	})
	return sess, nil
}

// Tick runs one scheduling pass: readiness sweep, lease reclamation and
// dispatch of due jobs. It is called periodically by Run and directly by
// tests.
func (e *Engine) Tick(ctx context.Context) error {
	now := e.now().UTC()

	ready, err := e.registry.Sweep(ctx)
	if err != nil {
		return err
	}
	for _, sess := range ready {
		if err := e.ensureStage(ctx, sess, state.StageStitch); err != nil {
			return err
		}
	}

	expired, err := e.store.ListExpiredLeases(ctx, now)
	if err != nil {
		return err
	}
	for _, job := range expired {
		ref := state.JobRef{SessionID: job.SessionID, Stage: job.Stage}
		if cancel := e.inflightCancel(ref); cancel != nil {
			// Local worker is still on it; cancelling its context converts the
			// hang into a failure through the normal report path.
			cancel()
			continue
		}
		if err := e.reportFailure(ctx, job, fmt.Errorf("stage lease expired")); err != nil {
			return err
		}
	}

	if _, err := e.queue.RequeueExpired(ctx, now, 64); err != nil {
		return err
	}

	due, err := e.store.ListDueJobs(ctx, now)
	if err != nil {
		return err
	}
	for _, job := range due {
		if job.State == state.JobFailedRetryable {
			job.State = state.JobPending
			if err := e.store.UpsertJob(ctx, job); err != nil {
				return err
			}
		}
		e.enqueueOnce(ctx, state.JobRef{SessionID: job.SessionID, Stage: job.Stage})
	}
	return nil
}

// Run drives the tick loop and the worker pool until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		worker := "worker-" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx, worker)
		}()
	}
	t := time.NewTicker(e.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-t.C:
			if err := e.Tick(ctx); err != nil {
				log.Printf("orchestrator tick failed: %v", err)
			}
		}
	}
}

func (e *Engine) workerLoop(ctx context.Context, worker string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		claims, err := e.queue.Claim(ctx, 1, worker, e.opts.LeaseDuration)
		if err != nil {
			log.Printf("%s: claim failed: %v", worker, err)
		}
		if len(claims) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.opts.PollInterval):
			}
			continue
		}
		for _, claim := range claims {
			e.processClaim(ctx, claim)
		}
	}
}

func (e *Engine) ensureStage(ctx context.Context, sess state.SessionRecord, jobStage string) error {
	if sess.Cancelled {
		return nil
	}
	if _, ok, err := e.store.GetJob(ctx, sess.ID, jobStage); err != nil {
		return err
	} else if ok {
		// Already scheduled, running or finished: a repeated readiness signal
		// is a no-op, not a duplicate dispatch.
		return nil
	}
	now := e.now().UTC()
	job := state.JobRecord{
		SessionID:   sess.ID,
		Stage:       jobStage,
		State:       state.JobPending,
		MaxAttempts: e.opts.Backoff.MaxAttempts,
		NextRetryAt: now,
	}
	if err := e.store.UpsertJob(ctx, job); err != nil {
		return err
	}
	_ = e.store.AppendAuditEvent(ctx, state.AuditEventRecord{
		Action:    "job_scheduled",
		SessionID: sess.ID,
		Details:   "stage=" + jobStage,
	})
	e.enqueueOnce(ctx, state.JobRef{SessionID: sess.ID, Stage: jobStage})
	return nil
}

func (e *Engine) enqueueOnce(ctx context.Context, ref state.JobRef) {
	e.mu.Lock()
	already := e.queued[ref]
	if !already {
		e.queued[ref] = true
	}
	e.mu.Unlock()
	if already {
		return
	}
	if err := e.queue.Enqueue(ctx, ref); err != nil {
		log.Printf("enqueue %s/%s failed: %v", ref.SessionID, ref.Stage, err)
		e.mu.Lock()
		delete(e.queued, ref)
		e.mu.Unlock()
	}
}

func (e *Engine) processClaim(ctx context.Context, claim state.QueueClaim) {
	ref := claim.Ref
	defer func() {
		e.mu.Lock()
		delete(e.queued, ref)
		e.mu.Unlock()
		if err := e.queue.Ack(ctx, []state.QueueClaim{claim}); err != nil {
			log.Printf("ack %s/%s failed: %v", ref.SessionID, ref.Stage, err)
		}
	}()

	now := e.now().UTC()
	leaseID := uuid.NewString()
	job, claimed, err := e.store.ClaimJob(ctx, ref, leaseID, now.Add(e.opts.LeaseDuration), now)
	if err != nil {
		log.Printf("claim job %s/%s failed: %v", ref.SessionID, ref.Stage, err)
		return
	}
	if !claimed {
		// Not due, already running, or finished by another path.
		return
	}

	sess, ok, err := e.store.GetSession(ctx, ref.SessionID)
	if err != nil {
		log.Printf("load session %s failed: %v", ref.SessionID, err)
		return
	}
	if !ok {
		_ = e.reportFailure(ctx, job, stage.Terminal(errors.New("session no longer exists")))
		return
	}
	if sess.Cancelled {
		_ = e.reportFailure(ctx, job, stage.Terminal(errors.New("session cancelled by operator")))
		return
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.stageTimeout(job.Stage))
	e.mu.Lock()
	e.inflight[ref] = cancel
	e.mu.Unlock()

	started := time.Now()
	runCtx, span := observability.StartSpan(stageCtx, "orchestrator.run_stage",
		attribute.String("session.id", sess.ID),
		attribute.String("stage", job.Stage),
		attribute.Int("attempt", job.Attempt),
	)
	runErr := e.executeStage(runCtx, sess, job)
	span.End()
	observability.Default.ObserveDuration("stage_run", map[string]string{"stage": job.Stage}, started)

	e.mu.Lock()
	delete(e.inflight, ref)
	e.mu.Unlock()
	cancel()

	if runErr != nil {
		if err := e.reportFailure(ctx, job, runErr); err != nil {
			log.Printf("record failure %s/%s: %v", ref.SessionID, ref.Stage, err)
		}
		return
	}
	if err := e.reportSuccess(ctx, job); err != nil {
		log.Printf("record success %s/%s: %v", ref.SessionID, ref.Stage, err)
	}
}

func (e *Engine) stageTimeout(jobStage string) time.Duration {
	switch jobStage {
	case state.StageStitch:
		return e.opts.StageTimeouts.Stitch
	case state.StageInfer:
		return e.opts.StageTimeouts.Infer
	default:
		return e.opts.StageTimeouts.Offload
	}
}

func (e *Engine) executeStage(ctx context.Context, sess state.SessionRecord, job state.JobRecord) error {
	switch job.Stage {
	case state.StageStitch:
		return e.runStitch(ctx, sess)
	case state.StageInfer:
		return e.runInfer(ctx, sess)
	case state.StageOffload:
		return e.runOffload(ctx, sess)
	default:
		return stage.Terminal(fmt.Errorf("unknown stage %q", job.Stage))
	}
}

func (e *Engine) runStitch(ctx context.Context, sess state.SessionRecord) error {
	assets, err := e.store.SessionAssets(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		return stage.Terminal(errors.New("session has no assets"))
	}
	plan := align.Compute(assets, e.opts.ToleranceMS)
	if !plan.Usable() {
		return stage.Terminal(fmt.Errorf("no camera within %dms of the median clock offset", e.opts.ToleranceMS))
	}
	if plan.Degraded() {
		sess.Degraded = true
		_ = e.store.AppendAuditEvent(ctx, state.AuditEventRecord{
			Action:    "alignment_degraded",
			SessionID: sess.ID,
			Details:   fmt.Sprintf("spread_ms=%d excluded=%d", plan.SpreadMS, len(plan.Excluded)),
		})
	}
	if sess.State == state.SessionReady || sess.State == state.SessionFailed {
		sess.State = state.SessionProcessing
	}
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	// Freeze the asset set: re-uploads for this session are rejected as
	// Superseded from here on.
	if err := e.store.MarkAssetsConsumed(ctx, sess.ID); err != nil {
		return err
	}

	artifact, err := e.stitcher.Stitch(ctx, sess, assets, plan)
	if err != nil {
		return err
	}
	return e.store.PutArtifacts(ctx, artifact)
}

func (e *Engine) runInfer(ctx context.Context, sess state.SessionRecord) error {
	artifact, ok, err := e.store.SessionArtifacts(ctx, sess.ID)
	if err != nil {
		return err
	}
	if !ok {
		return stage.Terminal(errors.New("no stitched artifact registered"))
	}
	detections, err := e.detector.Detect(ctx, sess, artifact)
	if err != nil {
		return err
	}
	events := consolidate.Consolidate(sess.ID, detections, e.opts.BucketMS)
	observability.Default.SetGauge("session_events", map[string]string{"session_id": sess.ID}, float64(len(events)))
	return e.store.ReplaceEvents(ctx, sess.ID, events)
}

func (e *Engine) runOffload(ctx context.Context, sess state.SessionRecord) error {
	artifact, ok, err := e.store.SessionArtifacts(ctx, sess.ID)
	if err != nil {
		return err
	}
	if !ok {
		return stage.Terminal(errors.New("no stitched artifact registered"))
	}
	events, err := e.store.SessionEvents(ctx, sess.ID)
	if err != nil {
		return err
	}
	return e.offload.Offload(ctx, sess, artifact, events)
}

func (e *Engine) reportSuccess(ctx context.Context, job state.JobRecord) error {
	dup, err := e.reportedAlready(ctx, job)
	if err != nil || dup {
		return err
	}
	job.LastReportKey = job.LeaseID
	job.State = state.JobSucceeded
	job.LastError = ""
	job.LeaseID = ""
	job.LeaseExpires = time.Time{}
	if err := e.store.UpsertJob(ctx, job); err != nil {
		return err
	}
	observability.Default.IncCounter("jobs_succeeded_total", map[string]string{"stage": job.Stage}, 1)
	_ = e.store.AppendAuditEvent(ctx, state.AuditEventRecord{
		Action:    "job_succeeded",
		SessionID: job.SessionID,
		Details:   fmt.Sprintf("stage=%s attempt=%d", job.Stage, job.Attempt),
	})

	sess, ok, err := e.store.GetSession(ctx, job.SessionID)
	if err != nil || !ok {
		return err
	}
	switch job.Stage {
	case state.StageStitch:
		return e.ensureStage(ctx, sess, state.StageInfer)
	case state.StageInfer:
		return e.ensureStage(ctx, sess, state.StageOffload)
	case state.StageOffload:
		sess.State = state.SessionComplete
		sess.LastError = ""
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return err
		}
		observability.Default.IncCounter("sessions_completed_total", map[string]string{"degraded": strconv.FormatBool(sess.Degraded)}, 1)
		return e.store.AppendAuditEvent(ctx, state.AuditEventRecord{
			Action:    "session_complete",
			SessionID: sess.ID,
			Details:   "degraded=" + strconv.FormatBool(sess.Degraded),
		})
	}
	return nil
}

// reportedAlready suppresses stale reports. The stored job is the source of
// truth: once it is settled, whether by an operator cancel, a lease reclaim
// in Tick or another report for the same lease, the worker that held the
// lease may still come back with its own result and must not overwrite it.
func (e *Engine) reportedAlready(ctx context.Context, job state.JobRecord) (bool, error) {
	cur, ok, err := e.store.GetJob(ctx, job.SessionID, job.Stage)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if cur.State == state.JobSucceeded || cur.State == state.JobFailedTerminal {
		return true, nil
	}
	return job.LeaseID != "" && cur.LastReportKey == job.LeaseID, nil
}

func (e *Engine) reportFailure(ctx context.Context, job state.JobRecord, cause error) error {
	dup, err := e.reportedAlready(ctx, job)
	if err != nil || dup {
		return err
	}
	terminal := stage.IsTerminal(cause) || job.Attempt >= job.MaxAttempts
	job.LastReportKey = job.LeaseID
	job.LastError = cause.Error()
	job.LeaseID = ""
	job.LeaseExpires = time.Time{}
	observability.Default.IncCounter("jobs_failed_total",
		map[string]string{"stage": job.Stage, "terminal": strconv.FormatBool(terminal)}, 1)

	if !terminal {
		job.State = state.JobFailedRetryable
		job.NextRetryAt = e.now().UTC().Add(e.opts.Backoff.Delay(job.Attempt))
		if err := e.store.UpsertJob(ctx, job); err != nil {
			return err
		}
		return e.store.AppendAuditEvent(ctx, state.AuditEventRecord{
			Action:    "job_retry_scheduled",
			SessionID: job.SessionID,
			Details:   fmt.Sprintf("stage=%s attempt=%d error=%s", job.Stage, job.Attempt, job.LastError),
		})
	}

	job.State = state.JobFailedTerminal
	if err := e.store.UpsertJob(ctx, job); err != nil {
		return err
	}
	_ = e.store.AppendAuditEvent(ctx, state.AuditEventRecord{
		Action:    "job_failed_terminal",
		SessionID: job.SessionID,
		Details:   fmt.Sprintf("stage=%s attempt=%d error=%s", job.Stage, job.Attempt, job.LastError),
	})

	sess, ok, err := e.store.GetSession(ctx, job.SessionID)
	if err != nil || !ok {
		return err
	}
	if sess.State != state.SessionComplete && sess.State != state.SessionFailed {
		sess.State = state.SessionFailed
		sess.LastError = fmt.Sprintf("%s: %s", job.Stage, job.LastError)
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

// CancelSession stops all further dispatch for the session, converts every
// unfinished job to FAILED_TERMINAL and cancels in-flight stage contexts.
// Already-succeeded stages are left untouched.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) (state.SessionRecord, error) {
	sess, ok, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	if !ok {
		return state.SessionRecord{}, state.ErrNotFound
	}
	if sess.State == state.SessionComplete {
		return sess, nil
	}
	sess.Cancelled = true
	if sess.State != state.SessionFailed {
		sess.State = state.SessionFailed
		sess.LastError = "cancelled by operator"
	}
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return state.SessionRecord{}, err
	}

	jobs, err := e.store.ListJobsBySession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, err
	}
	for _, job := range jobs {
		switch job.State {
		case state.JobPending, state.JobRunning, state.JobFailedRetryable:
			job.State = state.JobFailedTerminal
			job.LastError = "cancelled by operator"
			job.LeaseID = ""
			job.LeaseExpires = time.Time{}
			if err := e.store.UpsertJob(ctx, job); err != nil {
				return state.SessionRecord{}, err
			}
		}
		if cancel := e.inflightCancel(state.JobRef{SessionID: sessionID, Stage: job.Stage}); cancel != nil {
			cancel()
		}
	}
	_ = e.store.AppendAuditEvent(ctx, state.AuditEventRecord{
		Action:    "session_cancelled",
		SessionID: sessionID,
	})
	return sess, nil
}

func (e *Engine) inflightCancel(ref state.JobRef) context.CancelFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[ref]
}
