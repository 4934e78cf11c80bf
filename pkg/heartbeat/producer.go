package heartbeat

import (
	"context"
	"os"
	"time"

	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/discovery"
	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/types"
)

var errTargetUnresolved = errdefs.NotFound("no_endpoint", "no discovery result and no direct url configured")

// ControlPlaneService is the discovery name the producer resolves to find
// an intake endpoint.
const ControlPlaneService = "quorum-server"

const defaultInterval = 30 * time.Second

// Producer emits one heartbeat per tick. A transport failure never stops
// the schedule.
type Producer struct {
	cfg        config.HeartbeatConfig
	lb         *discovery.LoadBalancer
	transports map[string]Transport
	props      map[string]string
	configHash string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProducer wires the producer. lb may be nil when only the direct URL
// is configured; props is the effective configuration map fingerprinted
// into each payload.
func NewProducer(cfg config.HeartbeatConfig, lb *discovery.LoadBalancer, props map[string]string, transports ...Transport) *Producer {
	byProtocol := make(map[string]Transport, len(transports))
	for _, t := range transports {
		byProtocol[t.Protocol()] = t
	}
	return &Producer{
		cfg:        cfg,
		lb:         lb,
		transports: byProtocol,
		props:      props,
		configHash: ConfigHash(props),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Payload builds the liveness signal describing this process.
func (p *Producer) Payload() *types.HeartbeatPayload {
	host := p.cfg.AdvertiseHost
	if host == "" {
		host, _ = os.Hostname()
	}
	return &types.HeartbeatPayload{
		ServiceName: p.cfg.ServiceName,
		InstanceID:  p.cfg.InstanceID,
		ConfigHash:  p.configHash,
		Host:        host,
		Port:        p.cfg.AdvertisePort,
		Environment: p.cfg.Environment,
		Version:     p.cfg.Version,
		Metadata: map[string]string{
			"hostname": host,
			"profile":  p.cfg.Environment,
		},
		ObservedAt: time.Now().UTC(),
	}
}

// Send emits one heartbeat. It returns immediately when disabled and
// suppresses every transport error; only the logs and metrics see them.
func (p *Producer) Send(ctx context.Context) {
	if !p.cfg.AsyncEnabled {
		return
	}
	logger := log.WithComponent("heartbeat").With().
		Str("service", p.cfg.ServiceName).
		Str("protocol", p.cfg.Protocol).Logger()

	transport, ok := p.transports[p.cfg.Protocol]
	if !ok {
		logger.Error().Msg("no transport for configured protocol")
		return
	}

	endpoint, err := p.endpoint(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to resolve heartbeat endpoint")
		return
	}

	metrics.PingAttempts.WithLabelValues(p.cfg.Protocol).Inc()
	start := time.Now()
	err = transport.Send(ctx, endpoint, p.Payload())
	metrics.PingLatency.WithLabelValues(p.cfg.Protocol).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PingFailures.WithLabelValues(p.cfg.Protocol).Inc()
		logger.Warn().Err(err).Str("endpoint", endpoint).Msg("heartbeat failed")
		return
	}
	metrics.PingSuccesses.WithLabelValues(p.cfg.Protocol).Inc()
	logger.Debug().Str("endpoint", endpoint).Msg("heartbeat sent")
}

// endpoint prefers discovery and falls back to the configured direct URL
// when the lookup is empty or fails.
func (p *Producer) endpoint(ctx context.Context) (string, error) {
	if p.lb != nil {
		inst, err := p.lb.Pick(ctx, ControlPlaneService, p.cfg.ServiceName, nil)
		if err == nil {
			return FormatEndpoint(p.cfg.Protocol, inst)
		}
		if p.cfg.DirectURL == "" {
			return "", err
		}
		lg1 := log.WithComponent("heartbeat")
		lg1.Debug().Err(err).Msg("discovery lookup failed, using direct url")
	}
	if p.cfg.DirectURL == "" {
		return "", errTargetUnresolved
	}
	return p.cfg.DirectURL, nil
}

// Start runs the tick loop until Stop.
func (p *Producer) Start() {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lg2 := log.WithComponent("heartbeat")
		lg2.Info().Dur("interval", interval).Msg("heartbeat producer started")
		p.Send(context.Background())
		for {
			select {
			case <-ticker.C:
				p.Send(context.Background())
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (p *Producer) Stop() {
	close(p.stopCh)
	<-p.doneCh
	lg3 := log.WithComponent("heartbeat")
	lg3.Info().Msg("heartbeat producer stopped")
}
