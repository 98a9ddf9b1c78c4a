package stage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/example/matchcut/internal/consolidate"
	"github.com/example/matchcut/internal/state"
)

// detectionLine is one NDJSON line emitted by the external detector.
// Timestamps are relative to the stitched media, which already sits on the
// session clock.
type detectionLine struct {
	Type       string  `json:"type"`
	CameraID   string  `json:"camera_id"`
	StartMS    int64   `json:"t_start_ms"`
	EndMS      int64   `json:"t_end_ms"`
	Confidence float64 `json:"confidence"`
}

// ExecDetector invokes the external ML detector against stitched media and
// parses its NDJSON detection stream. An empty stream is a valid result: no
// events, not an error.
type ExecDetector struct {
	Command string
}

func (d *ExecDetector) Detect(ctx context.Context, sess state.SessionRecord, artifact state.ArtifactRecord) ([]consolidate.Detection, error) {
	if strings.TrimSpace(d.Command) == "" {
		return nil, Terminal(fmt.Errorf("detector command is not configured"))
	}
	cmd := exec.CommandContext(ctx, d.Command, artifact.PathFull)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("detector timed out: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
			return nil, Terminal(fmt.Errorf("detector rejected input: %s", firstLine(stderr.String())))
		}
		return nil, fmt.Errorf("detector failed: %w (%s)", err, firstLine(stderr.String()))
	}
	return parseDetections(&stdout)
}

func parseDetections(r *bytes.Buffer) ([]consolidate.Detection, error) {
	out := make([]consolidate.Detection, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var d detectionLine
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, fmt.Errorf("parse detection line %d: %w", lineNo, err)
		}
		if d.Type == "" {
			return nil, fmt.Errorf("detection line %d has no type", lineNo)
		}
		out = append(out, consolidate.Detection{
			Type:       d.Type,
			CameraID:   d.CameraID,
			StartMS:    d.StartMS,
			EndMS:      d.EndMS,
			Confidence: d.Confidence,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
