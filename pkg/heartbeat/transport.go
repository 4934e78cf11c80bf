// Package heartbeat is the SDK side of the liveness pipeline: a
// tick-driven producer that fingerprints its configuration, resolves the
// control-plane endpoint through discovery, and submits payloads over a
// pluggable transport. Transport errors are logged and suppressed so the
// schedule never stops.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/resilience"
	"github.com/cuemby/quorum/pkg/types"
)

// Protocols supported by the producer.
const (
	ProtocolHTTP   = "http"
	ProtocolThrift = "thrift"
	ProtocolGRPC   = "grpc"
)

// Default intake ports for binary protocols; instance metadata overrides
// them.
const (
	defaultThriftPort = 9090
	defaultGRPCPort   = 9091
)

// Transport submits one payload to a formatted endpoint.
type Transport interface {
	Send(ctx context.Context, endpoint string, payload *types.HeartbeatPayload) error
	Protocol() string
}

// FormatEndpoint renders an instance address for a protocol: an HTTP base
// URL, or host:port for the binary protocols with ports taken from the
// thrift-port / grpc-port metadata keys.
func FormatEndpoint(protocol string, inst *types.Instance) (string, error) {
	switch protocol {
	case ProtocolHTTP:
		return fmt.Sprintf("http://%s:%d", inst.Host, inst.Port), nil
	case ProtocolThrift:
		return fmt.Sprintf("%s:%d", inst.Host, metadataPort(inst, "thrift-port", defaultThriftPort)), nil
	case ProtocolGRPC:
		return fmt.Sprintf("%s:%d", inst.Host, metadataPort(inst, "grpc-port", defaultGRPCPort)), nil
	default:
		return "", errdefs.Validation("unknown_protocol", "unknown heartbeat protocol %q", protocol)
	}
}

func metadataPort(inst *types.Instance, key string, fallback int) int {
	if raw, ok := inst.Metadata[key]; ok {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			return port
		}
	}
	return fallback
}

// HTTPTransport posts payloads to <base>/api/heartbeat. The client carries
// the deadline round tripper so an ambient deadline rides along.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds the transport with a bounded request timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: resilience.NewDeadlineRoundTripper(http.DefaultTransport),
		},
	}
}

func (t *HTTPTransport) Protocol() string {
	return ProtocolHTTP
}

func (t *HTTPTransport) Send(ctx context.Context, endpoint string, payload *types.HeartbeatPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "heartbeat_send_failed", "heartbeat request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdefs.Transient("heartbeat_rejected", "heartbeat rejected with status %d", resp.StatusCode)
	}
	return nil
}
