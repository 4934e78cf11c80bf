package api

import (
	"context"
	"encoding/json"
	"net"

	"google.golang.org/grpc"

	"github.com/cuemby/quorum/pkg/broker"
	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/heartbeat"
	"github.com/cuemby/quorum/pkg/log"
)

// Intake is the grpc heartbeat receiver. It shares the queue with the
// HTTP endpoint so both intake paths feed the same partitions.
type Intake struct {
	queue broker.Broker
	topic string
}

// NewIntake builds the grpc-side heartbeat receiver.
func NewIntake(queue broker.Broker, topic string) *Intake {
	return &Intake{queue: queue, topic: topic}
}

func (i *Intake) Publish(ctx context.Context, req *heartbeat.PublishRequest) (*heartbeat.PublishResponse, error) {
	if req.Payload == nil {
		return nil, errdefs.Validation("missing_payload", "heartbeat payload is required")
	}
	if req.Payload.ServiceName == "" || req.Payload.InstanceID == "" {
		return nil, errdefs.Validation("missing_identity", "serviceName and instanceId are required")
	}

	value, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, err
	}
	if err := i.queue.Publish(ctx, i.topic, req.Payload.ServiceName, value); err != nil {
		return nil, err
	}
	return &heartbeat.PublishResponse{Accepted: true}, nil
}

// GRPCServer hosts the intake service on its own listener.
type GRPCServer struct {
	addr   string
	server *grpc.Server
}

// NewGRPCServer wires the intake service onto a fresh grpc server.
func NewGRPCServer(addr string, intake *Intake) *GRPCServer {
	server := grpc.NewServer()
	heartbeat.RegisterIntakeServer(server, intake)
	return &GRPCServer{addr: addr, server: server}
}

// Start binds the listener and serves in the background.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "grpc_listen_failed", "failed to bind "+g.addr)
	}
	go func() {
		lg1 := log.WithComponent("api")
		lg1.Info().Str("addr", g.addr).Msg("grpc intake listening")
		if err := g.server.Serve(lis); err != nil {
			lg2 := log.WithComponent("api")
			lg2.Error().Err(err).Msg("grpc intake stopped")
		}
	}()
	return nil
}

// Stop drains in-flight calls.
func (g *GRPCServer) Stop() {
	g.server.GracefulStop()
}
