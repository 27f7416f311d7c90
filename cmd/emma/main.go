package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ent0n29/emma/internal/config"
	"github.com/ent0n29/emma/internal/httpapi"
	"github.com/ent0n29/emma/internal/observability"
	"github.com/ent0n29/emma/internal/realtime"
	"github.com/ent0n29/emma/internal/transcript"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	transcriptStore, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer transcriptStore.Close()
	if cfg.DatabaseURL == "" {
		log.Printf("transcript store: in-memory (set DATABASE_URL for postgres)")
	} else {
		log.Printf("transcript store: postgres")
	}

	if cfg.OpenAIAPIKey == "" {
		log.Printf("warning: OPENAI_API_KEY is not set; session issuance will fail")
	}

	issuer := realtime.NewIssuerClient(realtime.IssuerConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.RealtimeBaseURL,
		Model:   cfg.RealtimeModel,
		Defaults: realtime.SessionConfig{
			Voice:         cfg.DefaultVoice,
			Instructions:  cfg.DefaultInstructions,
			Temperature:   cfg.DefaultTemperature,
			Modalities:    []string{"text", "audio"},
			TurnDetection: realtime.DefaultSessionConfig().TurnDetection,
		},
		CreateTimeout: cfg.ConnectTimeout,
		StatusTimeout: cfg.StatusTimeout,
	})
	negotiator := realtime.NewNegotiationClient(realtime.NegotiationConfig{
		BaseURL:        cfg.RealtimeBaseURL,
		Model:          cfg.RealtimeModel,
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		AttemptTimeout: cfg.NegotiateTimeout,
	})

	registry := realtime.NewRegistry()
	registry.SetExpireHook(func(_ *realtime.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(registry.ActiveCount()))
	})

	api := httpapi.New(cfg, issuer, negotiator, registry, transcriptStore, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, cfg.SessionSweepInterval)

	go func() {
		log.Printf("relay listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
