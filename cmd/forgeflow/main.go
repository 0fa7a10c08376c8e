package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/genai"

	"github.com/forgeflow/forgeflow/internal/api"
	"github.com/forgeflow/forgeflow/internal/checkpoint"
	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/corpus"
	"github.com/forgeflow/forgeflow/internal/embedding"
	"github.com/forgeflow/forgeflow/internal/eventbus"
	"github.com/forgeflow/forgeflow/internal/forge"
	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/packager"
	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/sandbox"
	"github.com/forgeflow/forgeflow/internal/schedule"
	"github.com/forgeflow/forgeflow/internal/secrets"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		serve()
		return
	}
	fmt.Println("forgeflow v0.1.0")
	fmt.Println("Usage: forgeflow serve")
}

func serve() {
	// .env for local dev; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "err", err)
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	loader := corpus.NewLoader()
	if err := loadCorpus(loader, cfg.Corpus); err != nil {
		slog.Error("corpus load error", "err", err)
		os.Exit(1)
	}
	slog.Info("corpus loaded", "endpoints", loader.Len())

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.LLM.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		slog.Error("genai client error", "err", err)
		os.Exit(1)
	}

	bus := eventbus.NewBus()
	pkg, err := packager.NewDir(cfg.Sandbox.OutputDir)
	if err != nil {
		slog.Error("packager error", "err", err)
		os.Exit(1)
	}

	deps := forge.Deps{
		LLM:      llm.NewGeminiLLM(cfg.LLM.APIKey),
		Provider: llm.NewGenAIProvider(cfg.LLM.APIKey),
		Loader:   loader,
		Embedder: embedding.NewGenAIEmbedder(genaiClient, "gemini-embedding-001"),
		Backend:  newBackend(cfg.Sandbox),
		Secrets:  secrets.NewEnvResolver(),
		Packager: pkg,
		Bus:      bus,
	}

	disc, err := forge.NewDiscovery(ctx, deps, cfg)
	if err != nil {
		slog.Error("discovery index error", "err", err)
		os.Exit(1)
	}
	slog.Info("corpus embedded", "endpoints", loader.Len())

	f, err := forge.New(deps, cfg, disc)
	if err != nil {
		slog.Error("stage assembly error", "err", err)
		os.Exit(1)
	}

	store, err := newStore(ctx, cfg.Checkpoint)
	if err != nil {
		slog.Error("checkpoint store error", "err", err)
		os.Exit(1)
	}

	runner := pipeline.NewRunner(bus, store, f.Stages(), pipeline.RunnerConfig{
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		MaxClarifyQuestions: cfg.Pipeline.MaxClarifyQuestions,
		MaxDebugAttempts:    cfg.Pipeline.MaxDebugAttempts,
		PipelineTimeout:     time.Duration(cfg.Pipeline.PipelineTimeoutSec) * time.Second,
		StageRetries:        2,
		RetryBackoff:        time.Second,
	})

	schedules := schedule.NewService(func(_ context.Context, request string) error {
		_, err := runner.Start(request)
		return err
	})
	schedules.Start()
	defer schedules.Stop()

	server := api.NewServer(bus, runner, schedules, api.NewAuth(cfg.Server.JWTSecret))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("forgeflow listening", "addr", addr)
	if err := http.ListenAndServe(addr, server.Handler()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// loadCorpus ingests every configured documentation source.
func loadCorpus(loader *corpus.Loader, cfg config.CorpusConfig) error {
	if cfg.JSONPath != "" {
		if err := loader.LoadJSONFile(cfg.JSONPath); err != nil {
			return err
		}
	}
	if cfg.XLSXPath != "" {
		f, err := os.Open(cfg.XLSXPath)
		if err != nil {
			return fmt.Errorf("open corpus spreadsheet: %w", err)
		}
		err = loader.LoadXLSX(f, cfg.Sheet)
		f.Close()
		if err != nil {
			return err
		}
	}
	for _, p := range cfg.PDFs {
		f, err := os.Open(p.File)
		if err != nil {
			return fmt.Errorf("open corpus pdf %s: %w", p.File, err)
		}
		err = loader.LoadPDF(f, p.Service, p.Path)
		f.Close()
		if err != nil {
			return err
		}
	}
	for _, feed := range cfg.Feeds {
		if err := loader.LoadRSSFeed(feed.URL, feed.Service); err != nil {
			// A feed being down must not block startup.
			slog.Warn("corpus feed skipped", "url", feed.URL, "err", err)
		}
	}
	return nil
}

func newBackend(cfg config.SandboxConfig) sandbox.Backend {
	if cfg.Backend == "container" {
		return sandbox.NewContainer("golang:1.24-alpine", 512)
	}
	return sandbox.NewInProcessValidator()
}

func newStore(ctx context.Context, cfg config.CheckpointConfig) (pipeline.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return checkpoint.NewPostgresStore(ctx, cfg.DSN)
	case "file":
		return pipeline.NewFileStore(cfg.Dir)
	default:
		return pipeline.NewMemoryStore(), nil
	}
}
