package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/types"
)

// The intake service speaks JSON-encoded unary grpc; both ends register
// the same codec by name.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return jsonCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// PublishRequest carries one heartbeat over the intake service.
type PublishRequest struct {
	Payload *types.HeartbeatPayload `json:"payload"`
}

// PublishResponse acknowledges intake.
type PublishResponse struct {
	Accepted bool `json:"accepted"`
}

// IntakeServer receives heartbeats over grpc.
type IntakeServer interface {
	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
}

const intakeFullMethod = "/quorum.HeartbeatIntake/Publish"

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntakeServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: intakeFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(IntakeServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var intakeServiceDesc = grpc.ServiceDesc{
	ServiceName: "quorum.HeartbeatIntake",
	HandlerType: (*IntakeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterIntakeServer attaches the intake service to a grpc server.
func RegisterIntakeServer(s *grpc.Server, srv IntakeServer) {
	s.RegisterService(&intakeServiceDesc, srv)
}

// GRPCTransport submits heartbeats over the intake service. Connections
// are cached per endpoint.
type GRPCTransport struct {
	timeout time.Duration

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport builds the transport with a bounded per-call timeout.
func NewGRPCTransport(timeout time.Duration) *GRPCTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GRPCTransport{
		timeout: timeout,
		conns:   make(map[string]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) Protocol() string {
	return ProtocolGRPC
}

func (t *GRPCTransport) conn(endpoint string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	t.conns[endpoint] = conn
	return conn, nil
}

func (t *GRPCTransport) Send(ctx context.Context, endpoint string, payload *types.HeartbeatPayload) error {
	conn, err := t.conn(endpoint)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "heartbeat_send_failed", "grpc dial failed")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp := new(PublishResponse)
	if err := conn.Invoke(ctx, intakeFullMethod, &PublishRequest{Payload: payload}, resp); err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "heartbeat_send_failed", "grpc publish failed")
	}
	if !resp.Accepted {
		return errdefs.Transient("heartbeat_rejected", "intake declined heartbeat")
	}
	return nil
}

// Close tears down cached connections.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, conn := range t.conns {
		conn.Close()
	}
	return nil
}
