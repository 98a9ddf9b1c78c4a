package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps all records in process. Mutations are serialized per
// session id; different sessions proceed fully in parallel. The structural
// mutex only guards map access and is never held across a logical operation.
type MemoryStore struct {
	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	sessions  map[string]SessionRecord
	assets    map[string]map[string]AssetRecord
	jobs      map[string]map[string]JobRecord
	events    map[string][]EventRecord
	artifacts map[string]ArtifactRecord
	audits    []AuditEventRecord
	nextAudit int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     make(map[string]*sync.Mutex),
		sessions:  make(map[string]SessionRecord),
		assets:    make(map[string]map[string]AssetRecord),
		jobs:      make(map[string]map[string]JobRecord),
		events:    make(map[string][]EventRecord),
		artifacts: make(map[string]ArtifactRecord),
		audits:    make([]AuditEventRecord, 0, 128),
		nextAudit: 1,
	}
}

func (m *MemoryStore) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// ensureSessionLocked requires both the session lock and the structural
// mutex to be held.
func (m *MemoryStore) ensureSessionLocked(sessionID string, expectedCameras []string) SessionRecord {
	now := time.Now().UTC()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = SessionRecord{
			ID:        sessionID,
			State:     SessionOpen,
			CreatedAt: now,
		}
	}
	if len(sess.ExpectedCameras) == 0 && len(expectedCameras) > 0 {
		sess.ExpectedCameras = append([]string(nil), expectedCameras...)
		sort.Strings(sess.ExpectedCameras)
	}
	sess.UpdatedAt = now
	m.sessions[sessionID] = sess
	return sess
}

func (m *MemoryStore) EnsureSession(_ context.Context, sessionID string, expectedCameras []string) (SessionRecord, error) {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureSessionLocked(sessionID, expectedCameras), nil
}

func (m *MemoryStore) PutAsset(_ context.Context, asset AssetRecord) (*AssetRecord, error) {
	l := m.sessionLock(asset.SessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureSessionLocked(asset.SessionID, nil)
	now := time.Now().UTC()
	byCamera, ok := m.assets[asset.SessionID]
	if !ok {
		byCamera = make(map[string]AssetRecord)
		m.assets[asset.SessionID] = byCamera
	}
	var prev *AssetRecord
	if existing, ok := byCamera[asset.CameraID]; ok {
		if existing.Consumed {
			return nil, ErrSuperseded
		}
		p := existing
		prev = &p
	}
	if asset.UploadedAt.IsZero() {
		asset.UploadedAt = now
	}
	asset.UpdatedAt = now
	byCamera[asset.CameraID] = asset

	sess := m.sessions[asset.SessionID]
	if sess.FirstAssetAt.IsZero() {
		sess.FirstAssetAt = asset.UploadedAt
	}
	sess.UpdatedAt = now
	m.sessions[asset.SessionID] = sess
	return prev, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionRecord, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListSessionsByState(_ context.Context, sessionState string) ([]SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionRecord, 0)
	for _, s := range m.sessions {
		if s.State == sessionState {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session SessionRecord) error {
	l := m.sessionLock(session.ID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	if !allowedTransition(cur.State, session.State) {
		return ErrStateRegression
	}
	session.CreatedAt = cur.CreatedAt
	session.UpdatedAt = time.Now().UTC()
	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	delete(m.assets, sessionID)
	delete(m.jobs, sessionID)
	delete(m.events, sessionID)
	delete(m.artifacts, sessionID)
	return nil
}

func (m *MemoryStore) SessionAssets(_ context.Context, sessionID string) ([]AssetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCamera := m.assets[sessionID]
	out := make([]AssetRecord, 0, len(byCamera))
	for _, a := range byCamera {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out, nil
}

func (m *MemoryStore) MarkAssetsConsumed(_ context.Context, sessionID string) error {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for cameraID, a := range m.assets[sessionID] {
		a.Consumed = true
		a.UpdatedAt = now
		m.assets[sessionID][cameraID] = a
	}
	return nil
}

func (m *MemoryStore) ResetAssetsConsumed(_ context.Context, sessionID string) error {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for cameraID, a := range m.assets[sessionID] {
		a.Consumed = false
		a.UpdatedAt = now
		m.assets[sessionID][cameraID] = a
	}
	return nil
}

func (m *MemoryStore) MarkOffloaded(_ context.Context, sessionID, checksum string) (bool, error) {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if sess.Offloaded && sess.OffloadChecksum == checksum {
		return true, nil
	}
	sess.Offloaded = true
	sess.OffloadChecksum = checksum
	sess.UpdatedAt = time.Now().UTC()
	m.sessions[sessionID] = sess
	return false, nil
}

func (m *MemoryStore) UpsertJob(_ context.Context, job JobRecord) error {
	l := m.sessionLock(job.SessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	byStage, ok := m.jobs[job.SessionID]
	if !ok {
		byStage = make(map[string]JobRecord)
		m.jobs[job.SessionID] = byStage
	}
	if cur, ok := byStage[job.Stage]; ok {
		job.CreatedAt = cur.CreatedAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	byStage[job.Stage] = job
	return nil
}

func (m *MemoryStore) DeleteJobs(_ context.Context, sessionID string) error {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, sessionID)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, sessionID, stage string) (JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStage, ok := m.jobs[sessionID]
	if !ok {
		return JobRecord{}, false, nil
	}
	job, ok := byStage[stage]
	return job, ok, nil
}

func (m *MemoryStore) ListJobsBySession(_ context.Context, sessionID string) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStage := m.jobs[sessionID]
	out := make([]JobRecord, 0, len(byStage))
	for _, j := range byStage {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return stageOrder(out[i].Stage) < stageOrder(out[j].Stage) })
	return out, nil
}

func (m *MemoryStore) ListDueJobs(_ context.Context, now time.Time) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0)
	for _, byStage := range m.jobs {
		for _, j := range byStage {
			if (j.State == JobPending || j.State == JobFailedRetryable) && !j.NextRetryAt.After(now) {
				out = append(out, j)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return stageOrder(out[i].Stage) < stageOrder(out[j].Stage)
	})
	return out, nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, ref JobRef, leaseID string, leaseExpires, now time.Time) (JobRecord, bool, error) {
	l := m.sessionLock(ref.SessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	byStage, ok := m.jobs[ref.SessionID]
	if !ok {
		return JobRecord{}, false, nil
	}
	job, ok := byStage[ref.Stage]
	if !ok {
		return JobRecord{}, false, nil
	}
	if job.State != JobPending && job.State != JobFailedRetryable {
		return JobRecord{}, false, nil
	}
	if job.NextRetryAt.After(now) {
		return JobRecord{}, false, nil
	}
	job.State = JobRunning
	job.Attempt++
	job.LeaseID = leaseID
	job.LeaseExpires = leaseExpires
	job.UpdatedAt = now
	byStage[ref.Stage] = job
	return job, true, nil
}

func (m *MemoryStore) ListExpiredLeases(_ context.Context, now time.Time) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0)
	for _, byStage := range m.jobs {
		for _, j := range byStage {
			if j.State == JobRunning && !j.LeaseExpires.IsZero() && j.LeaseExpires.Before(now) {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ReplaceEvents(_ context.Context, sessionID string, events []EventRecord) error {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]EventRecord, len(events))
	copy(copied, events)
	sort.Slice(copied, func(i, j int) bool { return copied[i].StartMS < copied[j].StartMS })
	m.events[sessionID] = copied
	return nil
}

func (m *MemoryStore) SessionEvents(_ context.Context, sessionID string) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventRecord, len(m.events[sessionID]))
	copy(out, m.events[sessionID])
	return out, nil
}

func (m *MemoryStore) SearchEvents(_ context.Context, query, sessionID string) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(query)
	out := make([]EventRecord, 0)
	for sid, events := range m.events {
		if sessionID != "" && sid != sessionID {
			continue
		}
		for _, e := range events {
			if strings.Contains(strings.ToLower(e.Type), q) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMS < out[j].StartMS })
	return out, nil
}

func (m *MemoryStore) PutArtifacts(_ context.Context, artifact ArtifactRecord) error {
	l := m.sessionLock(artifact.SessionID)
	l.Lock()
	defer l.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	m.artifacts[artifact.SessionID] = artifact
	return nil
}

func (m *MemoryStore) SessionArtifacts(_ context.Context, sessionID string) (ArtifactRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[sessionID]
	return a, ok, nil
}

func (m *MemoryStore) AppendAuditEvent(_ context.Context, event AuditEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = m.nextAudit
	m.nextAudit++
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	m.audits = append(m.audits, event)
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, sessionID string, limit int) ([]AuditEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]AuditEventRecord, 0, limit)
	for i := len(m.audits) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audits[i]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func stageOrder(stage string) int {
	switch stage {
	case StageStitch:
		return 1
	case StageInfer:
		return 2
	case StageOffload:
		return 3
	default:
		return 4
	}
}
