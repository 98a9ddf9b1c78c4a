package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/matchcut/internal/align"
	"github.com/example/matchcut/internal/state"
)

// stitchRequest is written to the external stitch tool's stdin.
type stitchRequest struct {
	SessionID      string              `json:"session_id"`
	Layout         string              `json:"layout"`
	ReferenceStart string              `json:"reference_start"`
	OutputFull     string              `json:"output_fullres"`
	OutputProxy    string              `json:"output_proxy"`
	Cameras        []stitchCameraInput `json:"cameras"`
}

type stitchCameraInput struct {
	CameraID string `json:"camera_id"`
	Path     string `json:"path"`
	TrimMS   int64  `json:"trim_ms"`
}

// stitchResponse is parsed from the tool's stdout.
type stitchResponse struct {
	PathFull       string `json:"path_fullres"`
	PathProxy      string `json:"path_proxy"`
	ChecksumSHA256 string `json:"checksum_sha256"`
}

// ExecStitcher invokes the external codec/stitch tool with the computed
// alignment parameters. The tool signals an unrecoverable input problem with
// exit code 2; any other failure is transient.
type ExecStitcher struct {
	Command string
	OutDir  string
	Layout  string
}

func (s *ExecStitcher) Stitch(ctx context.Context, sess state.SessionRecord, assets []state.AssetRecord, plan align.Plan) (state.ArtifactRecord, error) {
	if strings.TrimSpace(s.Command) == "" {
		return state.ArtifactRecord{}, Terminal(fmt.Errorf("stitch command is not configured"))
	}
	layout := s.Layout
	if layout == "" {
		layout = "three_up"
	}
	byCamera := make(map[string]state.AssetRecord, len(assets))
	for _, a := range assets {
		byCamera[a.CameraID] = a
	}
	req := stitchRequest{
		SessionID:      sess.ID,
		Layout:         layout,
		ReferenceStart: plan.ReferenceStart.UTC().Format(time.RFC3339Nano),
		OutputFull:     s.outputPath(sess.ID, layout, false),
		OutputProxy:    s.outputPath(sess.ID, layout, true),
	}
	for _, trim := range plan.Trims {
		asset, ok := byCamera[trim.CameraID]
		if !ok {
			return state.ArtifactRecord{}, Terminal(fmt.Errorf("plan references camera %s with no asset", trim.CameraID))
		}
		req.Cameras = append(req.Cameras, stitchCameraInput{
			CameraID: trim.CameraID,
			Path:     asset.Path,
			TrimMS:   trim.TrimMS,
		})
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return state.ArtifactRecord{}, Terminal(err)
	}

	cmd := exec.CommandContext(ctx, s.Command)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return state.ArtifactRecord{}, fmt.Errorf("stitch tool timed out: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
			return state.ArtifactRecord{}, Terminal(fmt.Errorf("stitch tool rejected input: %s", firstLine(stderr.String())))
		}
		return state.ArtifactRecord{}, fmt.Errorf("stitch tool failed: %w (%s)", err, firstLine(stderr.String()))
	}

	var resp stitchResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return state.ArtifactRecord{}, fmt.Errorf("parse stitch tool output: %w", err)
	}
	if resp.PathFull == "" {
		return state.ArtifactRecord{}, fmt.Errorf("stitch tool returned no output path")
	}
	return state.ArtifactRecord{
		SessionID:      sess.ID,
		Layout:         layout,
		PathFull:       resp.PathFull,
		PathProxy:      resp.PathProxy,
		ChecksumSHA256: resp.ChecksumSHA256,
	}, nil
}

func (s *ExecStitcher) outputPath(sessionID, layout string, proxy bool) string {
	suffix := "_full.mp4"
	if proxy {
		suffix = "_proxy.mp4"
	}
	stem := fmt.Sprintf("%s_%s_%s%s", sessionID, layout, time.Now().UTC().Format("20060102T150405Z"), suffix)
	return filepath.Join(s.OutDir, sessionID, stem)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
