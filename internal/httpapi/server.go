// Package httpapi is the orchestrator's HTTP surface: the camera-facing
// upload endpoint and the read-only operator endpoints. All writes funnel
// through the store and the engine; handlers hold no state of their own.
package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/matchcut/internal/observability"
	"github.com/example/matchcut/internal/orchestrator"
	"github.com/example/matchcut/internal/state"
	"github.com/example/matchcut/pkg/rigapi"
)

const maxBodyBytes = 1 << 20

type Server struct {
	store  state.Store
	engine *orchestrator.Engine

	// VerifyChecksums re-hashes the uploaded file and rejects the manifest
	// when it disagrees with the declared digest. Requires the asset path to
	// be readable from the orchestrator host.
	VerifyChecksums bool
}

func NewServer(store state.Store, engine *orchestrator.Engine) *Server {
	return &Server{store: store, engine: engine}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/upload", s.handleUpload)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleSessionDetail)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resubmit", s.handleResubmit)
	mux.HandleFunc("GET /api/v1/events/search", s.handleSearchEvents)
	mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "httpapi.upload")
	defer span.End()

	var req rigapi.UploadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid request body: "+err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.CameraID = strings.TrimSpace(req.CameraID)
	if req.SessionID == "" || req.CameraID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "session_id and camera_id are required")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "path is required")
		return
	}
	startLocal, err := time.Parse(time.RFC3339Nano, req.StartLocal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_timestamp", "start_local must be RFC 3339: "+err.Error())
		return
	}
	if req.DurationMS < 0 {
		writeError(w, http.StatusBadRequest, "bad_duration", "duration_ms must be >= 0")
		return
	}
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("camera.id", req.CameraID),
	)

	if s.VerifyChecksums && req.ChecksumSHA256 != "" {
		got, err := fileSHA256(req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "asset_unreadable", "cannot read asset file: "+err.Error())
			return
		}
		if !strings.EqualFold(got, req.ChecksumSHA256) {
			observability.Default.IncCounter("uploads_rejected_total", map[string]string{"code": "checksum_mismatch"}, 1)
			writeError(w, http.StatusUnprocessableEntity, "checksum_mismatch",
				fmt.Sprintf("declared checksum %s does not match file %s", req.ChecksumSHA256, got))
			return
		}
	}

	if len(req.ExpectedCameras) > 0 {
		if _, err := s.store.EnsureSession(ctx, req.SessionID, req.ExpectedCameras); err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
	}

	prior, err := s.store.PutAsset(ctx, state.AssetRecord{
		SessionID:      req.SessionID,
		CameraID:       req.CameraID,
		Path:           req.Path,
		Codec:          req.Codec,
		FPS:            req.FPS,
		BitrateMbps:    req.BitrateMbps,
		StartLocal:     startLocal.UTC(),
		OffsetMS:       req.OffsetMS,
		DurationMS:     req.DurationMS,
		DroppedFrames:  req.DroppedFrames,
		ChecksumSHA256: req.ChecksumSHA256,
	})
	if err != nil {
		if errors.Is(err, state.ErrSuperseded) {
			observability.Default.IncCounter("uploads_rejected_total", map[string]string{"code": "superseded"}, 1)
			writeError(w, http.StatusConflict, "superseded",
				"asset for this camera was already consumed by a stitch run")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	observability.Default.IncCounter("uploads_accepted_total", nil, 1)
	_ = s.store.AppendAuditEvent(ctx, state.AuditEventRecord{
		Action:    "asset_uploaded",
		SessionID: req.SessionID,
		CameraID:  req.CameraID,
		Details:   "path=" + req.Path,
	})

	if err := s.engine.NoteUpload(ctx, req.SessionID); err != nil {
		log.Printf("readiness evaluation for %s failed: %v", req.SessionID, err)
	}
	sess, _, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rigapi.UploadResponse{
		Accepted:     true,
		SessionID:    req.SessionID,
		CameraID:     req.CameraID,
		SessionState: sess.State,
		Superseded:   prior != nil,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		sessions []state.SessionRecord
		err      error
	)
	if want := strings.TrimSpace(r.URL.Query().Get("state")); want != "" {
		sessions, err = s.store.ListSessionsByState(ctx, strings.ToUpper(want))
	} else {
		sessions, err = s.store.ListSessions(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	out := make([]rigapi.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		assets, err := s.store.SessionAssets(ctx, sess.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		events, err := s.store.SessionEvents(ctx, sess.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		summary := summaryOf(sess)
		summary.Cameras = len(assets)
		summary.Events = len(events)
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	sess, ok, err := s.store.GetSession(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown session "+id)
		return
	}
	assets, err := s.store.SessionAssets(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	jobs, err := s.store.ListJobsBySession(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	events, err := s.store.SessionEvents(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	detail := rigapi.SessionDetail{
		SessionSummary:  summaryOf(sess),
		ExpectedCameras: sess.ExpectedCameras,
		Assets:          make([]rigapi.AssetStatus, 0, len(assets)),
		Jobs:            make([]rigapi.JobStatus, 0, len(jobs)),
	}
	detail.Cameras = len(assets)
	detail.Events = len(events)
	for _, a := range assets {
		detail.Assets = append(detail.Assets, rigapi.AssetStatus{
			CameraID:       a.CameraID,
			Path:           a.Path,
			Codec:          a.Codec,
			BitrateMbps:    a.BitrateMbps,
			OffsetMS:       a.OffsetMS,
			DurationMS:     a.DurationMS,
			DroppedFrames:  a.DroppedFrames,
			ChecksumSHA256: a.ChecksumSHA256,
			Consumed:       a.Consumed,
			UploadedAt:     formatTime(a.UploadedAt),
		})
	}
	for _, j := range jobs {
		detail.Jobs = append(detail.Jobs, rigapi.JobStatus{
			Stage:       j.Stage,
			State:       j.State,
			Attempt:     j.Attempt,
			MaxAttempts: j.MaxAttempts,
			LastError:   j.LastError,
			NextRetryAt: formatTime(j.NextRetryAt),
			UpdatedAt:   formatTime(j.UpdatedAt),
		})
	}
	if artifact, ok, err := s.store.SessionArtifacts(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	} else if ok {
		detail.Artifacts = &rigapi.ArtifactStatus{
			Layout:         artifact.Layout,
			PathFull:       artifact.PathFull,
			PathProxy:      artifact.PathProxy,
			ChecksumSHA256: artifact.ChecksumSHA256,
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, ok, err := s.store.GetSession(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown session "+id)
		return
	}
	events, err := s.store.SessionEvents(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventsOf(events))
}

func (s *Server) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "query parameter q is required")
		return
	}
	events, err := s.store.SearchEvents(r.Context(), q, strings.TrimSpace(r.URL.Query().Get("session_id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventsOf(events))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.CancelSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown session "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rigapi.CancelResponse{Accepted: sess.Cancelled, State: sess.State})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.ResubmitSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown session "+id)
			return
		}
		if errors.Is(err, orchestrator.ErrNotResubmittable) {
			writeError(w, http.StatusConflict, "not_resubmittable", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rigapi.ResubmitResponse{Accepted: true, State: sess.State})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.store.ListAuditEvents(r.Context(), strings.TrimSpace(r.URL.Query().Get("session_id")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	out := make([]rigapi.AuditEvent, 0, len(events))
	for _, e := range events {
		out = append(out, rigapi.AuditEvent{
			ID:        e.ID,
			Action:    e.Action,
			SessionID: e.SessionID,
			CameraID:  e.CameraID,
			Details:   e.Details,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListSessionsByState(r.Context(), state.SessionProcessing); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func summaryOf(sess state.SessionRecord) rigapi.SessionSummary {
	return rigapi.SessionSummary{
		ID:        sess.ID,
		State:     sess.State,
		Degraded:  sess.Degraded,
		Cancelled: sess.Cancelled,
		Offloaded: sess.Offloaded,
		LastError: sess.LastError,
		CreatedAt: formatTime(sess.CreatedAt),
		UpdatedAt: formatTime(sess.UpdatedAt),
	}
}

func eventsOf(events []state.EventRecord) []rigapi.EventRecord {
	out := make([]rigapi.EventRecord, 0, len(events))
	for _, e := range events {
		out = append(out, rigapi.EventRecord{
			Type:       e.Type,
			StartMS:    e.StartMS,
			EndMS:      e.EndMS,
			Confidence: e.Confidence,
			Cameras:    e.Cameras,
			DedupKey:   e.DedupKey,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, rigapi.ErrorResponse{Error: msg, Code: code})
}
