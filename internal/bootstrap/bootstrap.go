// Package bootstrap assembles the orchestrator from configuration: store,
// queue, readiness registry, stage runners and the engine itself.
package bootstrap

import (
	"fmt"
	"io"
	"strings"

	"github.com/example/matchcut/internal/config"
	"github.com/example/matchcut/internal/offload"
	"github.com/example/matchcut/internal/orchestrator"
	"github.com/example/matchcut/internal/registry"
	"github.com/example/matchcut/internal/stage"
	"github.com/example/matchcut/internal/state"
)

type System struct {
	Store    state.Store
	Queue    state.JobQueue
	Registry *registry.Registry
	Engine   *orchestrator.Engine

	closers []io.Closer
}

// Close releases backend resources (the SQLite handle, when in use).
func (s *System) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func Build(cfg config.Config) (*System, error) {
	sys := &System{}

	switch strings.ToLower(cfg.StoreBackend) {
	case "sqlite":
		st, err := state.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		sys.Store = st
		sys.closers = append(sys.closers, st)
	default:
		sys.Store = state.NewMemoryStore()
	}
	sys.Queue = state.NewMemoryQueue()

	sys.Registry = registry.New(sys.Store, registry.Config{
		ReadyDeadline: cfg.ReadyDeadline,
		Retention:     cfg.Retention,
	})

	var publisher stage.Publisher = stage.LocalPublisher{}
	if strings.ToLower(cfg.Publisher) == "minio" {
		p, err := stage.NewMinIOPublisher(stage.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		publisher = p
	}

	stitcher := &stage.ExecStitcher{
		Command: cfg.StitchCommand,
		OutDir:  cfg.OutputDir,
		Layout:  cfg.Layout,
	}
	detector := &stage.ExecDetector{Command: cfg.DetectorCommand}
	viewer := stage.NewViewerClient(cfg.Viewer.URL, cfg.Viewer.Token, cfg.Viewer.Timeout)
	offloader := offload.New(sys.Store, viewer, publisher)

	sys.Engine = orchestrator.NewEngine(sys.Store, sys.Queue, sys.Registry, stitcher, detector, offloader, orchestrator.Options{
		ToleranceMS:   cfg.ToleranceMS,
		BucketMS:      cfg.BucketMS,
		Workers:       cfg.Workers,
		TickInterval:  cfg.TickInterval,
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
		Backoff: orchestrator.Backoff{
			Base:        cfg.Backoff.Base,
			Factor:      cfg.Backoff.Factor,
			Cap:         cfg.Backoff.Cap,
			MaxAttempts: cfg.Backoff.MaxAttempts,
		},
		StageTimeouts: orchestrator.StageTimeouts{
			Stitch:  cfg.StitchTimeout,
			Infer:   cfg.InferTimeout,
			Offload: cfg.OffloadTimeout,
		},
	})
	return sys, nil
}
