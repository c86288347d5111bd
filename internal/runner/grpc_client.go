package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the gRPC service exposed by the team runner process.
	ServiceName = "teamrunner.TeamRunner"
	// RunStreamMethod is the full method name of the streaming run call.
	RunStreamMethod = "/" + ServiceName + "/RunStream"
)

var runStreamDesc = &grpc.StreamDesc{
	StreamName:    "RunStream",
	ServerStreams: true,
}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errRunResponse              = errors.New("team run returned error")
	errNotServing               = errors.New("team runner not serving")
)

// GrpcClient talks to an external team runner service. Requests and responses
// are google.protobuf.Struct messages: {task, team_config} in, a stream of
// {content, sender} out.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the team runner at addr. Extra dial options are
// appended after the defaults.
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
	}, opts...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to team runner at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("team runner at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to team runner", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
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

// Addr returns the runner address.
func (c *GrpcClient) Addr() string {
	return c.addr
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the runner through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// RunStream starts a team run and yields its events until the server closes
// the stream. A transport error ends the sequence with that error.
func (c *GrpcClient) RunStream(ctx context.Context, task, configPath string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		req, err := structpb.NewStruct(map[string]any{
			"task":        task,
			"team_config": configPath,
		})
		if err != nil {
			yield(nil, fmt.Errorf("build run request: %w", err))
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		c.logger.Debug("Starting team run via gRPC", "task_length", len(task))

		stream, err := c.conn.NewStream(ctx, runStreamDesc, RunStreamMethod)
		if err != nil {
			yield(nil, fmt.Errorf("run request failed: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
			yield(nil, fmt.Errorf("send run request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("close run request: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("run stream error: %w", err))
				return
			}

			event, err := eventFromStruct(resp)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// eventFromStruct converts a runner response. Structured content is kept as
// its JSON text so consumers can extract what they need.
func eventFromStruct(resp *structpb.Struct) (*Event, error) {
	fields := resp.GetFields()

	if fields["type"].GetStringValue() == "error" {
		if msg := fields["error_message"].GetStringValue(); msg != "" {
			return nil, fmt.Errorf("%w: %s", errRunResponse, msg)
		}
		return nil, errRunResponse
	}

	event := &Event{Sender: fields["sender"].GetStringValue()}

	content, ok := fields["content"]
	if !ok {
		return event, nil
	}
	switch content.GetKind().(type) {
	case *structpb.Value_StringValue:
		event.Content = content.GetStringValue()
	case *structpb.Value_NullValue, nil:
	default:
		raw, err := protojson.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("encode event content: %w", err)
		}
		event.Content = string(raw)
	}
	return event, nil
}
