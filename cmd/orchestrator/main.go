package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/matchcut/internal/bootstrap"
	"github.com/example/matchcut/internal/config"
	"github.com/example/matchcut/internal/httpapi"
	"github.com/example/matchcut/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $MATCHCUT_CONFIG)")
	verifyChecksums := flag.Bool("verify-checksums", false, "re-hash uploaded files against declared digests")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("matchcut-orchestrator")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}

	sys, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer sys.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := httpapi.NewServer(sys.Store, sys.Engine)
	api.VerifyChecksums = *verifyChecksums
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := sys.Engine.Run(ctx); err != nil {
			log.Printf("engine stopped: %v", err)
		}
	}()
	go func() {
		log.Printf("orchestrator listening on %s (store=%s)", cfg.ListenAddr, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	<-engineDone
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}
