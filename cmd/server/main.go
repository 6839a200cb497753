// Gene Analysis - research agent chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/gene-analysis/internal/agent"
	"github.com/ashureev/gene-analysis/internal/api"
	"github.com/ashureev/gene-analysis/internal/chain"
	"github.com/ashureev/gene-analysis/internal/chat"
	"github.com/ashureev/gene-analysis/internal/config"
	"github.com/ashureev/gene-analysis/internal/metrics"
	"github.com/ashureev/gene-analysis/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "addr", cfg.Addr(), "agent_backend", cfg.Agent.Backend, "session_store", cfg.Session.Store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Sessions.
	sessions, err := store.Open(ctx, cfg.Session)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	if cfg.Session.TTL > 0 {
		store.StartTTLWorker(ctx, sessions, cfg.Session.TTL, cfg.Session.SweepInterval, func(int64) {
			if n, countErr := sessions.Count(ctx); countErr == nil {
				m.SetActiveSessions(n)
			}
		})
		slog.Info("TTL worker started", "session_ttl", cfg.Session.TTL)
	}

	// Agent.
	processor := newProcessor(cfg.Agent, logger)
	agentSvc := agent.NewService(processor, agent.Defaults{
		Model:            cfg.Agent.Model,
		Source:           cfg.Agent.Source,
		APIKey:           cfg.Agent.APIKey,
		DataPath:         cfg.Agent.DataPath,
		Timeout:          cfg.Agent.Timeout,
		UseToolRetriever: cfg.Agent.UseToolRetriever,
	},
		agent.WithWorkers(cfg.Agent.Workers),
		agent.WithMetrics(m),
		agent.WithLogger(logger),
	)
	defer agentSvc.Close()

	// Research registry. A registry that cannot be reached leaves chat working
	// without on-chain storage.
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	registry, err := chain.Dial(dialCtx, cfg.Chain, logger)
	cancelDial()
	if err != nil {
		slog.Warn("Blockchain service unavailable, results will not be stored", "error", err)
	} else {
		defer registry.Close()
		if !cfg.ChainEnabled() {
			slog.Warn("Research registry is read-only, set RESEARCH_REGISTRY_ADDRESS and SERVER_PRIVATE_KEY to store results",
				"contract_address_set", cfg.Chain.ContractAddress != "")
		}
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	var chatRegistry chat.Registry
	var research api.Research
	if registry != nil {
		chatRegistry = registry
		research = registry
	}
	orchestrator := chat.NewOrchestrator(sessions, agentSvc, chatRegistry, conversationLogger, m, chat.Options{
		StreamLogEntries: cfg.SSE.StreamLogEntries,
		LogChunkDelay:    cfg.SSE.LogChunkDelay,
	}, logger)

	handler := api.NewHandler(api.Deps{
		Sessions:       sessions,
		Chat:           orchestrator,
		Research:       research,
		Agent:          agentSvc,
		Metrics:        m,
		SSE:            cfg.SSE,
		RateLimiter:    api.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		Logger:         logger,
		AllowedOrigins: cfg.CORSOrigins,
	})

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newProcessor picks the agent backend. A backend that fails to start leaves
// the service running with agent calls failing per turn.
func newProcessor(cfg config.AgentConfig, logger *slog.Logger) agent.Processor {
	switch cfg.Backend {
	case config.BackendGRPC:
		slog.Info("Connecting to agent service via gRPC", "address", cfg.Addr)
		client, err := agent.NewGrpcClient(cfg.Addr, logger)
		if err != nil {
			slog.Warn("Failed to connect to agent service, agent calls will fail", "error", err)
			return agent.Unavailable{}
		}
		return client
	case config.BackendDocker:
		runner, err := agent.NewDockerRunner(cfg.Container, cfg.ExecCmd, logger)
		if err != nil {
			slog.Warn("Failed to initialize docker agent runner, agent calls will fail", "error", err)
			return agent.Unavailable{}
		}
		slog.Info("Docker agent runner initialized", "container", cfg.Container)
		return runner
	default:
		slog.Info("Agent backend disabled, agent calls will fail")
		return agent.Unavailable{}
	}
}
