// Package offload hands finished artifacts and the event timeline to the
// downstream viewer. Confirmation is written back only after the viewer
// acknowledges durable storage, and resubmission of an already-confirmed
// session is a safe no-op keyed by session id plus content checksum.
package offload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/example/matchcut/internal/observability"
	"github.com/example/matchcut/internal/stage"
	"github.com/example/matchcut/internal/state"
	"github.com/example/matchcut/pkg/rigapi"
)

type Viewer interface {
	Import(ctx context.Context, payload rigapi.ImportRequest) (rigapi.ImportReceipt, error)
}

type Manager struct {
	store     state.Store
	viewer    Viewer
	publisher stage.Publisher
}

func New(store state.Store, viewer Viewer, publisher stage.Publisher) *Manager {
	if publisher == nil {
		publisher = stage.LocalPublisher{}
	}
	return &Manager{store: store, viewer: viewer, publisher: publisher}
}

func (m *Manager) Offload(ctx context.Context, sess state.SessionRecord, artifact state.ArtifactRecord, events []state.EventRecord) error {
	checksum, err := ContentChecksum(artifact, events)
	if err != nil {
		return fmt.Errorf("content checksum: %w", err)
	}

	// Re-read the session: a crash-and-retry of the orchestrator may race an
	// earlier delivery that already confirmed.
	fresh, ok, err := m.store.GetSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if !ok {
		return state.ErrNotFound
	}
	if fresh.Offloaded && fresh.OffloadChecksum == checksum {
		log.Printf("offload: session %s already confirmed with identical content, skipping delivery", sess.ID)
		observability.Default.IncCounter("offload_duplicates_total", nil, 1)
		_ = m.store.AppendAuditEvent(ctx, state.AuditEventRecord{
			Action:    "offload_duplicate",
			SessionID: sess.ID,
			Details:   "resend short-circuited by content checksum " + checksum,
		})
		return nil
	}

	uris, err := m.publisher.Publish(ctx, sess.ID, []string{artifact.PathFull, artifact.PathProxy})
	if err != nil {
		return fmt.Errorf("publish artifacts: %w", err)
	}

	payload := rigapi.ImportRequest{
		SessionID:       sess.ID,
		ContentChecksum: checksum,
		ChecksumAlgo:    "xxh64",
		PathFull:        uriFor(uris, artifact.PathFull),
		PathProxy:       uriFor(uris, artifact.PathProxy),
		Layout:          artifact.Layout,
		Events:          make([]rigapi.EventRecord, 0, len(events)),
	}
	for _, e := range events {
		payload.Events = append(payload.Events, rigapi.EventRecord{
			Type:       e.Type,
			StartMS:    e.StartMS,
			EndMS:      e.EndMS,
			Confidence: e.Confidence,
			Cameras:    e.Cameras,
			DedupKey:   e.DedupKey,
		})
	}

	receipt, err := m.viewer.Import(ctx, payload)
	if err != nil {
		return err
	}
	if !receipt.Durable {
		// Upload succeeded but the viewer has not durably stored the payload;
		// confirmation must wait for a retry.
		return fmt.Errorf("viewer receipt %q is not durable", receipt.ReceiptID)
	}

	if _, err := m.store.MarkOffloaded(ctx, sess.ID, checksum); err != nil {
		return err
	}
	observability.Default.IncCounter("offload_confirmed_total", nil, 1)
	return m.store.AppendAuditEvent(ctx, state.AuditEventRecord{
		Action:    "offload_confirmed",
		SessionID: sess.ID,
		Details:   fmt.Sprintf("receipt=%s checksum=%s events=%d", receipt.ReceiptID, checksum, len(events)),
	})
}

func uriFor(uris map[string]string, path string) string {
	if path == "" {
		return ""
	}
	if uri, ok := uris[path]; ok {
		return uri
	}
	return path
}

// ContentChecksum hashes the artifact bytes plus the event timeline so a
// resend with identical content is detectable regardless of file names.
func ContentChecksum(artifact state.ArtifactRecord, events []state.EventRecord) (string, error) {
	h := xxhash.New()
	for _, path := range []string{artifact.PathFull, artifact.PathProxy} {
		if path == "" {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", err
		}
	}
	timeline, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	_, _ = h.Write(timeline)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
