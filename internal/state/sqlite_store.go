package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable Store backend. SQLite admits a single writer, so
// the connection pool is pinned to one connection; that serializes mutations
// across sessions too, which is stricter than the per-session requirement but
// correct.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &SQLiteStore{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	expected_cameras TEXT NOT NULL DEFAULT '[]',
	state TEXT NOT NULL,
	degraded INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	offloaded INTEGER NOT NULL DEFAULT 0,
	offload_checksum TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	first_asset_at TEXT NOT NULL DEFAULT '',
	ready_deadline TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS camera_assets (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	camera_id TEXT NOT NULL,
	path TEXT NOT NULL,
	codec TEXT NOT NULL DEFAULT '',
	fps INTEGER NOT NULL DEFAULT 0,
	bitrate_mbps REAL NOT NULL DEFAULT 0,
	start_local TEXT NOT NULL DEFAULT '',
	offset_ms INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	dropped_frames INTEGER NOT NULL DEFAULT 0,
	checksum_sha256 TEXT NOT NULL DEFAULT '',
	consumed INTEGER NOT NULL DEFAULT 0,
	uploaded_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (session_id, camera_id)
);
CREATE TABLE IF NOT EXISTS jobs (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	state TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	next_retry_at TEXT NOT NULL DEFAULT '',
	lease_id TEXT NOT NULL DEFAULT '',
	lease_expires TEXT NOT NULL DEFAULT '',
	last_report_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (session_id, stage)
);
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	dedup_key TEXT NOT NULL,
	t_start_ms INTEGER NOT NULL,
	t_end_ms INTEGER NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	cameras TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	UNIQUE (session_id, dedup_key)
);
CREATE TABLE IF NOT EXISTS artifacts (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	layout TEXT NOT NULL DEFAULT '',
	path_fullres TEXT NOT NULL,
	path_proxy TEXT NOT NULL DEFAULT '',
	checksum_sha256 TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	camera_id TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Fixed-width fractional seconds so encoded timestamps order correctly under
// SQL string comparison.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func (s *SQLiteStore) EnsureSession(ctx context.Context, sessionID string, expectedCameras []string) (SessionRecord, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, state, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sessionID, SessionOpen, encodeTime(now), encodeTime(now))
	if err != nil {
		return SessionRecord{}, err
	}
	if len(expectedCameras) > 0 {
		_, err = s.db.ExecContext(ctx, `UPDATE sessions SET expected_cameras = ?, updated_at = ?
			WHERE id = ? AND expected_cameras = '[]'`,
			encodeStrings(expectedCameras), encodeTime(now), sessionID)
		if err != nil {
			return SessionRecord{}, err
		}
	}
	sess, ok, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return SessionRecord{}, err
	}
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return sess, nil
}

func (s *SQLiteStore) PutAsset(ctx context.Context, asset AssetRecord) (*AssetRecord, error) {
	if _, err := s.EnsureSession(ctx, asset.SessionID, nil); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev *AssetRecord
	row := tx.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM camera_assets WHERE session_id = ? AND camera_id = ?`,
		asset.SessionID, asset.CameraID)
	existing, err := scanAsset(row)
	switch {
	case err == nil:
		if existing.Consumed {
			return nil, ErrSuperseded
		}
		prev = &existing
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, err
	}

	now := time.Now().UTC()
	if asset.UploadedAt.IsZero() {
		asset.UploadedAt = now
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO camera_assets
		(session_id, camera_id, path, codec, fps, bitrate_mbps, start_local, offset_ms, duration_ms, dropped_frames, checksum_sha256, consumed, uploaded_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(session_id, camera_id) DO UPDATE SET
			path = excluded.path, codec = excluded.codec, fps = excluded.fps,
			bitrate_mbps = excluded.bitrate_mbps, start_local = excluded.start_local,
			offset_ms = excluded.offset_ms, duration_ms = excluded.duration_ms,
			dropped_frames = excluded.dropped_frames, checksum_sha256 = excluded.checksum_sha256,
			uploaded_at = excluded.uploaded_at, updated_at = excluded.updated_at`,
		asset.SessionID, asset.CameraID, asset.Path, asset.Codec, asset.FPS, asset.BitrateMbps,
		encodeTime(asset.StartLocal), asset.OffsetMS, asset.DurationMS, asset.DroppedFrames,
		asset.ChecksumSHA256, encodeTime(asset.UploadedAt), encodeTime(now))
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET
		first_asset_at = CASE WHEN first_asset_at = '' THEN ? ELSE first_asset_at END,
		updated_at = ? WHERE id = ?`,
		encodeTime(asset.UploadedAt), encodeTime(now), asset.SessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prev, nil
}

const sessionColumns = `id, expected_cameras, state, degraded, cancelled, offloaded, offload_checksum, last_error, first_asset_at, ready_deadline, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (SessionRecord, error) {
	var sess SessionRecord
	var expected, firstAsset, deadline, createdAt, updatedAt string
	var degraded, cancelled, offloaded int
	err := r.Scan(&sess.ID, &expected, &sess.State, &degraded, &cancelled, &offloaded,
		&sess.OffloadChecksum, &sess.LastError, &firstAsset, &deadline, &createdAt, &updatedAt)
	if err != nil {
		return SessionRecord{}, err
	}
	sess.ExpectedCameras = decodeStrings(expected)
	sess.Degraded = degraded != 0
	sess.Cancelled = cancelled != 0
	sess.Offloaded = offloaded != 0
	sess.FirstAssetAt = decodeTime(firstAsset)
	sess.ReadyDeadline = decodeTime(deadline)
	sess.CreatedAt = decodeTime(createdAt)
	sess.UpdatedAt = decodeTime(updatedAt)
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	return sess, true, nil
}

func (s *SQLiteStore) listSessions(ctx context.Context, query string, args ...any) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SessionRecord, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY id`)
}

func (s *SQLiteStore) ListSessionsByState(ctx context.Context, sessionState string) ([]SessionRecord, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state = ? ORDER BY id`, sessionState)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session SessionRecord) error {
	cur, ok, err := s.GetSession(ctx, session.ID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if !allowedTransition(cur.State, session.State) {
		return ErrStateRegression
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET
		expected_cameras = ?, state = ?, degraded = ?, cancelled = ?, offloaded = ?,
		offload_checksum = ?, last_error = ?, first_asset_at = ?, ready_deadline = ?, updated_at = ?
		WHERE id = ?`,
		encodeStrings(session.ExpectedCameras), session.State, boolInt(session.Degraded),
		boolInt(session.Cancelled), boolInt(session.Offloaded), session.OffloadChecksum,
		session.LastError, encodeTime(session.FirstAssetAt), encodeTime(session.ReadyDeadline),
		encodeTime(time.Now().UTC()), session.ID)
	return err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const assetColumns = `session_id, camera_id, path, codec, fps, bitrate_mbps, start_local, offset_ms, duration_ms, dropped_frames, checksum_sha256, consumed, uploaded_at, updated_at`

func scanAsset(r rowScanner) (AssetRecord, error) {
	var a AssetRecord
	var startLocal, uploadedAt, updatedAt string
	var consumed int
	err := r.Scan(&a.SessionID, &a.CameraID, &a.Path, &a.Codec, &a.FPS, &a.BitrateMbps,
		&startLocal, &a.OffsetMS, &a.DurationMS, &a.DroppedFrames, &a.ChecksumSHA256,
		&consumed, &uploadedAt, &updatedAt)
	if err != nil {
		return AssetRecord{}, err
	}
	a.StartLocal = decodeTime(startLocal)
	a.Consumed = consumed != 0
	a.UploadedAt = decodeTime(uploadedAt)
	a.UpdatedAt = decodeTime(updatedAt)
	return a, nil
}

func (s *SQLiteStore) SessionAssets(ctx context.Context, sessionID string) ([]AssetRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+assetColumns+` FROM camera_assets WHERE session_id = ? ORDER BY camera_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AssetRecord, 0)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkAssetsConsumed(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE camera_assets SET consumed = 1, updated_at = ? WHERE session_id = ?`,
		encodeTime(time.Now().UTC()), sessionID)
	return err
}

func (s *SQLiteStore) ResetAssetsConsumed(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE camera_assets SET consumed = 0, updated_at = ? WHERE session_id = ?`,
		encodeTime(time.Now().UTC()), sessionID)
	return err
}

func (s *SQLiteStore) MarkOffloaded(ctx context.Context, sessionID, checksum string) (bool, error) {
	sess, ok, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	if sess.Offloaded && sess.OffloadChecksum == checksum {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET offloaded = 1, offload_checksum = ?, updated_at = ? WHERE id = ?`,
		checksum, encodeTime(time.Now().UTC()), sessionID)
	return false, err
}

const jobColumns = `session_id, stage, state, attempt, max_attempts, last_error, next_retry_at, lease_id, lease_expires, last_report_key, created_at, updated_at`

func scanJob(r rowScanner) (JobRecord, error) {
	var j JobRecord
	var nextRetry, leaseExpires, createdAt, updatedAt string
	err := r.Scan(&j.SessionID, &j.Stage, &j.State, &j.Attempt, &j.MaxAttempts, &j.LastError,
		&nextRetry, &j.LeaseID, &leaseExpires, &j.LastReportKey, &createdAt, &updatedAt)
	if err != nil {
		return JobRecord{}, err
	}
	j.NextRetryAt = decodeTime(nextRetry)
	j.LeaseExpires = decodeTime(leaseExpires)
	j.CreatedAt = decodeTime(createdAt)
	j.UpdatedAt = decodeTime(updatedAt)
	return j, nil
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job JobRecord) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs
		(session_id, stage, state, attempt, max_attempts, last_error, next_retry_at, lease_id, lease_expires, last_report_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, stage) DO UPDATE SET
			state = excluded.state, attempt = excluded.attempt, max_attempts = excluded.max_attempts,
			last_error = excluded.last_error, next_retry_at = excluded.next_retry_at,
			lease_id = excluded.lease_id, lease_expires = excluded.lease_expires,
			last_report_key = excluded.last_report_key, updated_at = excluded.updated_at`,
		job.SessionID, job.Stage, job.State, job.Attempt, job.MaxAttempts, job.LastError,
		encodeTime(job.NextRetryAt), job.LeaseID, encodeTime(job.LeaseExpires), job.LastReportKey,
		encodeTime(job.CreatedAt), encodeTime(now))
	return err
}

func (s *SQLiteStore) DeleteJobs(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, sessionID, stage string) (JobRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE session_id = ? AND stage = ?`, sessionID, stage)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return j, true, nil
}

func (s *SQLiteStore) listJobs(ctx context.Context, query string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListJobsBySession(ctx context.Context, sessionID string) ([]JobRecord, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE session_id = ?
		ORDER BY CASE stage WHEN 'stitch' THEN 1 WHEN 'infer' THEN 2 WHEN 'offload' THEN 3 ELSE 4 END`, sessionID)
}

func (s *SQLiteStore) ListDueJobs(ctx context.Context, now time.Time) ([]JobRecord, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?) AND (next_retry_at = '' OR next_retry_at <= ?)
		ORDER BY session_id, CASE stage WHEN 'stitch' THEN 1 WHEN 'infer' THEN 2 WHEN 'offload' THEN 3 ELSE 4 END`,
		JobPending, JobFailedRetryable, encodeTime(now))
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, ref JobRef, leaseID string, leaseExpires, now time.Time) (JobRecord, bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
		state = ?, attempt = attempt + 1, lease_id = ?, lease_expires = ?, updated_at = ?
		WHERE session_id = ? AND stage = ? AND state IN (?, ?) AND (next_retry_at = '' OR next_retry_at <= ?)`,
		JobRunning, leaseID, encodeTime(leaseExpires), encodeTime(now),
		ref.SessionID, ref.Stage, JobPending, JobFailedRetryable, encodeTime(now))
	if err != nil {
		return JobRecord{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return JobRecord{}, false, err
	}
	if n == 0 {
		return JobRecord{}, false, nil
	}
	job, _, err := s.GetJob(ctx, ref.SessionID, ref.Stage)
	if err != nil {
		return JobRecord{}, false, err
	}
	return job, true, nil
}

func (s *SQLiteStore) ListExpiredLeases(ctx context.Context, now time.Time) ([]JobRecord, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND lease_expires != '' AND lease_expires < ?`,
		JobRunning, encodeTime(now))
}

func (s *SQLiteStore) ReplaceEvents(ctx context.Context, sessionID string, events []EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	now := encodeTime(time.Now().UTC())
	for _, e := range events {
		_, err := tx.ExecContext(ctx, `INSERT INTO events
			(session_id, type, dedup_key, t_start_ms, t_end_ms, confidence, cameras, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, e.Type, e.DedupKey, e.StartMS, e.EndMS, e.Confidence, encodeStrings(e.Cameras), now)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanEvents(rows *sql.Rows) ([]EventRecord, error) {
	defer rows.Close()
	out := make([]EventRecord, 0)
	for rows.Next() {
		var e EventRecord
		var cameras, createdAt string
		if err := rows.Scan(&e.SessionID, &e.Type, &e.DedupKey, &e.StartMS, &e.EndMS, &e.Confidence, &cameras, &createdAt); err != nil {
			return nil, err
		}
		e.Cameras = decodeStrings(cameras)
		e.CreatedAt = decodeTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SessionEvents(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, type, dedup_key, t_start_ms, t_end_ms, confidence, cameras, created_at
		FROM events WHERE session_id = ? ORDER BY t_start_ms`, sessionID)
	if err != nil {
		return nil, err
	}
	return s.scanEvents(rows)
}

func (s *SQLiteStore) SearchEvents(ctx context.Context, query, sessionID string) ([]EventRecord, error) {
	like := "%" + query + "%"
	sqlText := `SELECT session_id, type, dedup_key, t_start_ms, t_end_ms, confidence, cameras, created_at
		FROM events WHERE lower(type) LIKE lower(?)`
	args := []any{like}
	if sessionID != "" {
		sqlText += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	sqlText += ` ORDER BY t_start_ms`
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	return s.scanEvents(rows)
}

func (s *SQLiteStore) PutArtifacts(ctx context.Context, artifact ArtifactRecord) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO artifacts
		(session_id, layout, path_fullres, path_proxy, checksum_sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			layout = excluded.layout, path_fullres = excluded.path_fullres,
			path_proxy = excluded.path_proxy, checksum_sha256 = excluded.checksum_sha256,
			created_at = excluded.created_at`,
		artifact.SessionID, artifact.Layout, artifact.PathFull, artifact.PathProxy,
		artifact.ChecksumSHA256, encodeTime(artifact.CreatedAt))
	return err
}

func (s *SQLiteStore) SessionArtifacts(ctx context.Context, sessionID string) (ArtifactRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id, layout, path_fullres, path_proxy, checksum_sha256, created_at
		FROM artifacts WHERE session_id = ?`, sessionID)
	var a ArtifactRecord
	var createdAt string
	err := row.Scan(&a.SessionID, &a.Layout, &a.PathFull, &a.PathProxy, &a.ChecksumSHA256, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ArtifactRecord{}, false, nil
	}
	if err != nil {
		return ArtifactRecord{}, false, err
	}
	a.CreatedAt = decodeTime(createdAt)
	return a, true, nil
}

func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, event AuditEventRecord) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events (action, session_id, camera_id, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.Action, event.SessionID, event.CameraID, event.Details, encodeTime(event.CreatedAt))
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, sessionID string, limit int) ([]AuditEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	sqlText := `SELECT id, action, session_id, camera_id, details, created_at FROM audit_events`
	args := []any{}
	if sessionID != "" {
		sqlText += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	sqlText += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AuditEventRecord, 0, limit)
	for rows.Next() {
		var e AuditEventRecord
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Action, &e.SessionID, &e.CameraID, &e.Details, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = decodeTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
