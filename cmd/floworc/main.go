package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/floworc/floworc/internal/events"
	"github.com/floworc/floworc/internal/expressions"
	"github.com/floworc/floworc/internal/logging"
	"github.com/floworc/floworc/internal/orchestrator"
	"github.com/floworc/floworc/internal/processors"
	"github.com/floworc/floworc/internal/scheduler"
	"github.com/floworc/floworc/internal/store"
)

func main() {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	orc, err := buildOrchestrator(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "floworc:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orc.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "floworc:", err)
		os.Exit(1)
	}
	logger.Info("floworc started",
		slog.Duration("tick", cfg.tick()),
		slog.Int("max_concurrency", cfg.MaxConcurrency),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	orc.Stop()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func buildOrchestrator(cfg Config, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	templates := store.NewMemoryTemplateStore()
	tasks := store.NewMemoryTaskStore()
	hub := events.NewMemoryHub()

	registry, err := buildRegistry(logger)
	if err != nil {
		return nil, err
	}

	return orchestrator.New(templates, tasks, registry, hub, logger, orchestrator.Config{
		Scheduler: scheduler.Config{
			Tick:           cfg.tick(),
			MaxConcurrency: cfg.MaxConcurrency,
			MaxAttempts:    cfg.MaxAttempts,
		},
	})
}

func buildRegistry(logger *slog.Logger) (*processors.Registry, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	registry := processors.NewRegistry()
	for _, p := range []processors.StepProcessor{
		processors.NewTransformProcessor(expressions.NewGoJQEngine()),
		processors.NewExternalCallProcessor(&http.Client{Timeout: 30 * time.Second}),
		processors.NewConditionalProcessor(logger, expressions.NewExprEngine(), celEngine),
		processors.NewNotificationProcessor(logSink{logger: logger}),
		processors.NewApprovalProcessor(&memoryApprovals{}),
		processors.NewAIProcessor(echoInference{}),
	} {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// logSink delivers notifications to the log. A real deployment swaps in a
// mail or chat integration.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) Send(ctx context.Context, channel string, recipients []string, message string) error {
	s.logger.InfoContext(ctx, "notification",
		slog.String("channel", channel),
		slog.Any("recipients", recipients),
		slog.String("message", message),
	)
	return nil
}

// memoryApprovals records approval requests in memory.
type memoryApprovals struct{}

func (m *memoryApprovals) CreateApproval(ctx context.Context, req processors.ApprovalRequest) (string, error) {
	return uuid.NewString(), nil
}

// echoInference is a stand-in inference client that echoes the prompt.
type echoInference struct{}

func (echoInference) Complete(ctx context.Context, model, prompt string, input map[string]any) (string, error) {
	return prompt, nil
}
