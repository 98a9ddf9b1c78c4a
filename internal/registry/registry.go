// Package registry decides session readiness. It is a derived view over the
// manifest store, recomputed from durable assets on every write and on a
// periodic sweep, never incrementally mutated, so it can always be rebuilt
// and cannot drift from ground truth.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/example/matchcut/internal/observability"
	"github.com/example/matchcut/internal/state"
)

type Config struct {
	// ReadyDeadline is the wall-clock window after first asset arrival in
	// which the remaining cameras may still report.
	ReadyDeadline time.Duration
	// Retention bounds how long a session with zero assets is kept before it
	// is garbage-collected and reported.
	Retention time.Duration
}

type Registry struct {
	store state.Store
	cfg   Config
	now   func() time.Time
}

func New(store state.Store, cfg Config) *Registry {
	if cfg.ReadyDeadline <= 0 {
		cfg.ReadyDeadline = 90 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Registry{store: store, cfg: cfg, now: time.Now}
}

// SetClock replaces the wall clock, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// NoteAssetWrite re-evaluates readiness after an asset upsert. The evaluation
// is idempotent: a session already past OPEN is never touched, so duplicate
// or late arrivals cannot un-ready a dispatched session. The boolean result
// reports whether this call promoted the session to READY.
func (r *Registry) NoteAssetWrite(ctx context.Context, sessionID string) (state.SessionRecord, bool, error) {
	sess, ok, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, false, err
	}
	if !ok {
		return state.SessionRecord{}, false, state.ErrNotFound
	}
	if sess.State != state.SessionOpen {
		return sess, false, nil
	}

	changed := false
	if sess.ReadyDeadline.IsZero() && !sess.FirstAssetAt.IsZero() {
		sess.ReadyDeadline = sess.FirstAssetAt.Add(r.cfg.ReadyDeadline)
		changed = true
	}

	assets, err := r.store.SessionAssets(ctx, sessionID)
	if err != nil {
		return state.SessionRecord{}, false, err
	}
	if len(sess.ExpectedCameras) > 0 && hasAll(assets, sess.ExpectedCameras) {
		sess.State = state.SessionReady
		changed = true
	}
	if changed {
		if err := r.store.UpdateSession(ctx, sess); err != nil {
			return state.SessionRecord{}, false, err
		}
	}
	if sess.State == state.SessionReady {
		observability.Default.IncCounter("sessions_ready_total", map[string]string{"partial": "false"}, 1)
		_ = r.store.AppendAuditEvent(ctx, state.AuditEventRecord{
			Action:    "session_ready",
			SessionID: sessionID,
			Details:   fmt.Sprintf("cameras=%d expected=%d", len(assets), len(sess.ExpectedCameras)),
		})
		return sess, true, nil
	}
	return sess, false, nil
}

// Sweep promotes deadline-expired sessions and garbage-collects empty ones.
// It returns the sessions promoted to READY by this pass.
func (r *Registry) Sweep(ctx context.Context) ([]state.SessionRecord, error) {
	open, err := r.store.ListSessionsByState(ctx, state.SessionOpen)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	ready := make([]state.SessionRecord, 0)
	for _, sess := range open {
		assets, err := r.store.SessionAssets(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case len(assets) == 0:
			if now.Sub(sess.CreatedAt) >= r.cfg.Retention {
				_ = r.store.AppendAuditEvent(ctx, state.AuditEventRecord{
					Action:    "session_expired",
					SessionID: sess.ID,
					Details:   "no assets arrived before retention window elapsed",
				})
				observability.Default.IncCounter("sessions_expired_total", nil, 1)
				if err := r.store.DeleteSession(ctx, sess.ID); err != nil {
					return nil, err
				}
			}
		case len(sess.ExpectedCameras) > 0 && hasAll(assets, sess.ExpectedCameras):
			sess.State = state.SessionReady
			if err := r.store.UpdateSession(ctx, sess); err != nil {
				return nil, err
			}
			observability.Default.IncCounter("sessions_ready_total", map[string]string{"partial": "false"}, 1)
			ready = append(ready, sess)
		case !sess.ReadyDeadline.IsZero() && !now.Before(sess.ReadyDeadline):
			// Deadline elapsed with at least one asset: proceed degraded so
			// downstream stages know one or more views are missing.
			sess.State = state.SessionReady
			sess.Degraded = true
			if err := r.store.UpdateSession(ctx, sess); err != nil {
				return nil, err
			}
			observability.Default.IncCounter("sessions_ready_total", map[string]string{"partial": "true"}, 1)
			_ = r.store.AppendAuditEvent(ctx, state.AuditEventRecord{
				Action:    "session_ready_partial",
				SessionID: sess.ID,
				Details:   fmt.Sprintf("cameras=%d expected=%d", len(assets), len(sess.ExpectedCameras)),
			})
			ready = append(ready, sess)
		}
	}
	return ready, nil
}

func hasAll(assets []state.AssetRecord, expected []string) bool {
	present := make(map[string]bool, len(assets))
	for _, a := range assets {
		present[a.CameraID] = true
	}
	for _, cam := range expected {
		if !present[cam] {
			return false
		}
	}
	return true
}
