package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/gene-analysis/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Service runs the research agent for chat turns. The agent is stateful and
// not safe for concurrent use, so runs are serialized through a weighted
// semaphore (one slot per worker, one by default).
type Service struct {
	processor Processor
	defaults  Defaults
	segmenter Segmenter
	sem       *semaphore.Weighted
	metrics   *metrics.Metrics
	logger    *slog.Logger
	getenv    func(string) string

	configMu   sync.Mutex
	configured bool
}

// Option configures a Service.
type Option func(*Service)

// WithWorkers sets how many agent runs may execute at once.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMetrics attaches metric collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSegmenter overrides the log segmenter.
func WithSegmenter(sg Segmenter) Option {
	return func(s *Service) { s.segmenter = sg }
}

// NewService creates an agent service on top of a backend.
func NewService(processor Processor, defaults Defaults, opts ...Option) *Service {
	if processor == nil {
		processor = Unavailable{}
	}
	s := &Service{
		processor: processor,
		defaults:  defaults,
		segmenter: DefaultSegmenter(),
		sem:       semaphore.NewWeighted(1),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke runs the agent on message and post-processes its transcript.
// Every failure, including a panic in the backend, comes back as an error;
// agent failures are *InvocationError.
func (s *Service) Invoke(ctx context.Context, sessionID, message string, cfg *Config) (*Result, error) {
	settings := s.defaults.Resolve(cfg, s.getenv)
	if settings.MissingAPIKey() {
		s.logger.Warn("No API key available for LLM source", "session_id", sessionID, "source", settings.Source, "model", settings.Model)
	}

	queued := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for agent: %w", err)
	}
	defer s.sem.Release(1)
	s.metrics.AgentQueued(time.Since(queued))

	if err := s.ensureConfigured(ctx); err != nil {
		return nil, &InvocationError{Err: err, Stack: stackOf(err)}
	}

	runCtx := ctx
	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	s.logger.Info("Executing agent",
		"session_id", sessionID,
		"model", settings.Model,
		"source", settings.Source,
		"message_length", len(message),
	)

	start := time.Now()
	transcript, err := s.run(runCtx, Request{SessionID: sessionID, Message: message, Settings: settings})
	elapsed := time.Since(start)
	var solution string
	if err == nil && transcript != nil {
		solution = ExtractSolution(transcript.Final)
	}
	if err == nil && strings.TrimSpace(solution) == "" {
		// covers an empty final answer and an empty solution block
		err = &InvocationError{Err: ErrEmptyResult, Stack: string(debug.Stack())}
	}
	s.metrics.AgentFinished(elapsed, err)

	if err != nil {
		var invErr *InvocationError
		if errors.As(err, &invErr) && invErr.Stack != "" {
			s.logger.Error("Agent execution failed", "session_id", sessionID, "error", err, "stack", invErr.Stack)
		} else {
			s.logger.Error("Agent execution failed", "session_id", sessionID, "error", err)
		}
		return nil, err
	}

	fullLog := strings.Join(transcript.Log, "\n")
	segments := s.segmenter.Segment(fullLog)

	s.logger.Info("Agent execution completed",
		"session_id", sessionID,
		"duration_ms", elapsed.Milliseconds(),
		"log_entries", len(transcript.Log),
		"result_length", len(transcript.Final),
	)

	return &Result{
		Log:      transcript.Log,
		FullLog:  fullLog,
		Final:    transcript.Final,
		Solution: solution,
		Thinking: segments.Thinking,
		Plan:     segments.Plan,
		Duration: elapsed,
	}, nil
}

// Health checks the backend.
func (s *Service) Health(ctx context.Context) error {
	return s.processor.Health(ctx)
}

// Close releases resources.
func (s *Service) Close() {
	if s.processor != nil {
		s.processor.Close()
	}
}

// run calls the backend and converts panics and errors into InvocationError.
func (s *Service) run(ctx context.Context, req Request) (transcript *Transcript, err error) {
	defer func() {
		if r := recover(); r != nil {
			transcript = nil
			err = &InvocationError{Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()

	transcript, err = s.processor.Go(ctx, req)
	if err != nil {
		return nil, &InvocationError{Err: err, Stack: stackOf(err)}
	}
	return transcript, nil
}

// ensureConfigured runs the one-time Configure with process defaults. A failed
// attempt is retried on the next call.
func (s *Service) ensureConfigured(ctx context.Context) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	if s.configured {
		return nil
	}

	settings := s.defaults.Resolve(nil, s.getenv)
	if err := s.processor.Configure(ctx, settings); err != nil {
		return fmt.Errorf("configure agent: %w", err)
	}
	s.configured = true
	s.logger.Info("Agent initialized", "model", settings.Model, "data_path", settings.DataPath)
	return nil
}

// stackOf prefers the agent's own traceback and falls back to the calling stack.
func stackOf(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Traceback != "" {
		return remote.Traceback
	}
	return string(debug.Stack())
}
