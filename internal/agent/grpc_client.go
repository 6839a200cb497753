package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Sidecar RPC methods. Payloads are google.protobuf.Struct values so the
// Python side needs no generated stubs.
const (
	methodConfigure = "/biomni.v1.AgentService/Configure"
	methodGo        = "/biomni.v1.AgentService/Go"
	healthService   = "biomni.v1.AgentService"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("agent service is not serving")
)

// GrpcClient talks to the Python agent sidecar over gRPC.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	MaxRecvMsgSize   int
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		// agent logs for long runs can be large
		MaxRecvMsgSize: 64 << 20,
	}
}

// NewGrpcClient connects to the agent sidecar and waits until the channel is ready.
// Extra dial options are applied after the defaults.
func NewGrpcClient(addr string, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultGrpcClientConfig()
	if addr != "" {
		cfg.Address = addr
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(cfg.MaxRecvMsgSize)),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health queries the standard gRPC health service for the agent.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: healthService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Configure initializes the agent inside the sidecar.
func (c *GrpcClient) Configure(ctx context.Context, s Settings) error {
	payload := settingsPayload(s)
	payload["self_critic"] = false
	payload["test_time_scale_round"] = 0

	in, err := structpb.NewStruct(payload)
	if err != nil {
		return fmt.Errorf("encode configure request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodConfigure, in, out); err != nil {
		return fmt.Errorf("configure request failed: %w", err)
	}
	return remoteErrorFrom(out.AsMap())
}

// Go runs the agent on one message.
func (c *GrpcClient) Go(ctx context.Context, req Request) (*Transcript, error) {
	payload := settingsPayload(req.Settings)
	payload["message"] = req.Message
	payload["session_id"] = req.SessionID

	in, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("encode go request: %w", err)
	}

	c.logger.Debug("Invoking agent via gRPC", "session_id", req.SessionID, "model", req.Settings.Model)

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodGo, in, out); err != nil {
		return nil, fmt.Errorf("go request failed: %w", err)
	}
	return transcriptFromMap(out.AsMap())
}

// settingsPayload builds the wire form of Settings. Only values structpb
// accepts are used.
func settingsPayload(s Settings) map[string]any {
	return map[string]any{
		"llm":                s.Model,
		"source":             s.Source,
		"api_key":            s.APIKey,
		"path":               s.DataPath,
		"timeout_seconds":    s.Timeout.Seconds(),
		"use_tool_retriever": s.UseToolRetriever,
	}
}

// transcriptFromMap decodes the runner response shared by the gRPC and
// docker backends: {"log": [...], "final": "...", "error": "...", "traceback": "..."}.
func transcriptFromMap(m map[string]any) (*Transcript, error) {
	if err := remoteErrorFrom(m); err != nil {
		return nil, err
	}

	t := &Transcript{}
	if entries, ok := m["log"].([]any); ok {
		t.Log = make([]string, 0, len(entries))
		for _, e := range entries {
			t.Log = append(t.Log, fmt.Sprint(e))
		}
	}
	if final, ok := m["final"].(string); ok {
		t.Final = final
	}
	return t, nil
}

func remoteErrorFrom(m map[string]any) error {
	msg, _ := m["error"].(string)
	if msg == "" {
		return nil
	}
	tb, _ := m["traceback"].(string)
	return &RemoteError{Message: msg, Traceback: tb}
}
