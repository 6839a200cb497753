package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashureev/gene-analysis/internal/agent"
	"github.com/ashureev/gene-analysis/internal/domain"
	"github.com/ashureev/gene-analysis/internal/metrics"
	"github.com/ashureev/gene-analysis/internal/store"
)

var errNoRegistry = errors.New("blockchain service not properly configured")

// Agent runs the research agent.
type Agent interface {
	Invoke(ctx context.Context, sessionID, message string, cfg *agent.Config) (*agent.Result, error)
}

// Registry stores results on chain.
type Registry interface {
	StoreResearch(ctx context.Context, researcher, resultText, sessionID string) (*domain.BlockchainResult, error)
}

// Options tune streaming behavior.
type Options struct {
	// StreamLogEntries relays every raw agent log entry as a log chunk.
	StreamLogEntries bool
	// LogChunkDelay paces relayed log chunks.
	LogChunkDelay time.Duration
}

// Orchestrator runs chat turns. It is safe for concurrent use; turns for
// different sessions interleave freely while agent runs queue in the agent.
type Orchestrator struct {
	sessions store.Repository
	agent    Agent
	registry Registry
	convLog  agent.ConversationLogger
	metrics  *metrics.Metrics
	opts     Options
	logger   *slog.Logger
}

// NewOrchestrator wires a chat orchestrator. registry, convLog and m may be nil.
func NewOrchestrator(sessions store.Repository, a Agent, registry Registry, convLog agent.ConversationLogger, m *metrics.Metrics, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if convLog == nil {
		convLog, _ = agent.NewConversationLogger(agent.ConversationLogConfig{}, logger)
	}
	return &Orchestrator{
		sessions: sessions,
		agent:    a,
		registry: registry,
		convLog:  convLog,
		metrics:  m,
		opts:     opts,
		logger:   logger,
	}
}

// Run executes one chat turn and emits its events, in order:
//
//	message(start) [message(thinking)] [message(plan)] [message(log)...] message(result)
//	[storing (blockchain|blockchain_error)] done
//
// An unknown session yields a single error event. Agent failures yield a
// message(error) chunk followed by done. Nothing is emitted after done.
// Emission failures do not stop the turn; the remaining events are dropped.
func (o *Orchestrator) Run(ctx context.Context, req Request, em Emitter) {
	s := &stream{em: em, logger: o.logger, sessionID: req.SessionID}
	status := o.run(ctx, req, s)
	o.metrics.TurnFinished(status)
}

func (o *Orchestrator) run(ctx context.Context, req Request, s *stream) string {
	logger := o.logger.With("session_id", req.SessionID)
	logger.Info("Starting chat request", "user", req.UserAddress, "message_length", len(req.Message))

	// Validating
	if _, err := o.sessions.Get(ctx, req.SessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			s.fail(msgSessionLookup)
		} else {
			logger.Error("Session lookup failed", "error", err)
			s.fail(fmt.Sprintf("Error processing request: %v", err))
		}
		return StatusError
	}

	if err := o.sessions.Append(ctx, req.SessionID, domain.Message{
		Role:      domain.RoleUser,
		Content:   req.Message,
		Timestamp: time.Now(),
	}); err != nil {
		logger.Error("Failed to store user message", "error", err)
		s.fail(fmt.Sprintf("Error processing request: %v", err))
		return StatusError
	}
	o.logConversation(req, "inbound", "chat_user_message", req.Message, nil)

	// AgentRunning
	s.chunk(domain.NewChunk(domain.ChunkStart, msgStart))

	result, err := o.agent.Invoke(ctx, req.SessionID, req.Message, req.Config)
	if err == nil && strings.TrimSpace(result.Solution) == "" {
		err = &agent.InvocationError{Err: agent.ErrEmptyResult}
	}
	if err != nil {
		// AgentFailed
		content := msgAgentFailed + err.Error()
		if errors.Is(err, agent.ErrEmptyResult) {
			content = msgEmptyResult
		}
		s.chunk(domain.NewChunk(domain.ChunkError, content))
		o.logConversation(req, "outbound", "chat_agent_error", err.Error(), nil)
		s.done(StatusCompletedWithoutBlockchain)
		return StatusCompletedWithoutBlockchain
	}

	// AgentSucceeded
	if result.Thinking != "" {
		s.chunk(domain.NewChunk(domain.ChunkThinking, result.Thinking))
	}
	if result.Plan != "" {
		s.chunk(domain.NewChunk(domain.ChunkPlan, result.Plan))
	}
	if o.opts.StreamLogEntries {
		o.relayLog(ctx, s, result.Log)
	}
	s.chunk(domain.NewChunk(domain.ChunkResult, result.Solution))

	if err := o.sessions.Append(ctx, req.SessionID, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   result.Solution,
		FullLog:   result.FullLog,
		Timestamp: time.Now(),
	}); err != nil {
		// the result was already delivered
		logger.Warn("Failed to store assistant message", "error", err)
	}
	o.logConversation(req, "outbound", "chat_assistant_message", result.Solution, map[string]any{
		"duration_ms": result.Duration.Milliseconds(),
		"log_entries": len(result.Log),
	})

	if utf8.RuneCountInString(strings.TrimSpace(result.Final)) < MinStoredResultLength {
		logger.Info("Skipping blockchain storage", "result_length", len(result.Final))
		s.done(StatusCompletedWithoutBlockchain)
		return StatusCompletedWithoutBlockchain
	}

	// BlockchainStoring
	s.emit(EventStoring, StatusEvent{Status: StatusStoring, Message: msgStoring, Timestamp: now()})

	stored, err := o.store(ctx, req, result.Solution)
	o.metrics.RegistryStored(err)
	if err != nil {
		logger.Error("Blockchain storage failed", "error", err)
		s.emit(EventBlockchainError, ErrorEvent{Error: "Blockchain storage failed: " + err.Error(), Timestamp: now()})
	} else {
		logger.Info("Blockchain storage successful", "tx_hash", stored.TransactionHash, "research_id", stored.ResearchID)
		s.emit(EventBlockchain, stored)
		o.logConversation(req, "outbound", "chat_blockchain_stored", stored.TransactionHash, map[string]any{
			"research_id":  stored.ResearchID,
			"block_number": stored.BlockNumber,
		})
	}

	s.done(StatusCompleted)
	return StatusCompleted
}

func (o *Orchestrator) store(ctx context.Context, req Request, solution string) (*domain.BlockchainResult, error) {
	if o.registry == nil {
		return nil, errNoRegistry
	}
	return o.registry.StoreResearch(ctx, req.UserAddress, solution, req.SessionID)
}

// relayLog streams raw log entries with a small delay between them.
func (o *Orchestrator) relayLog(ctx context.Context, s *stream, entries []string) {
	for i, entry := range entries {
		chunk := domain.NewChunk(domain.ChunkLog, entry)
		idx := i
		chunk.Index = &idx
		s.chunk(chunk)

		if o.opts.LogChunkDelay <= 0 || s.closed() {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.LogChunkDelay):
		}
	}
}

func (o *Orchestrator) logConversation(req Request, direction, eventType, content string, meta map[string]any) {
	o.convLog.Log(agent.ConversationLogEvent{
		UserID:     req.UserAddress,
		SessionID:  req.SessionID,
		Channel:    req.Channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}
