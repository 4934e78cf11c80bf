package fleet

import (
	"time"

	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/metrics"
)

// Sweeper ages the projection: instances silent past the miss threshold
// accumulate misses; instances silent past the retirement threshold are
// dropped.
type Sweeper struct {
	store  *Store
	cfg    config.FleetConfig
	broker *events.Broker

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper wires the sweeper. broker may be nil.
func NewSweeper(store *Store, cfg config.FleetConfig, broker *events.Broker) *Sweeper {
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		broker: broker,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		lg1 := log.WithComponent("fleet")
		lg1.Info().
			Dur("interval", s.cfg.SweepInterval).
			Msg("fleet sweeper started")
		for {
			select {
			case <-ticker.C:
				if err := s.Sweep(time.Now().UTC()); err != nil {
					lg2 := log.WithComponent("fleet")
					lg2.Error().Err(err).Msg("sweep failed")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
	lg3 := log.WithComponent("fleet")
	lg3.Info().Msg("fleet sweeper stopped")
}

// Sweep applies the thresholds once against now.
func (s *Sweeper) Sweep(now time.Time) error {
	entries, err := s.store.List()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		silent := now.Sub(entry.LastSeen)
		switch {
		case silent > s.cfg.RetirementThreshold:
			if err := s.store.delete(entry.InstanceID); err != nil {
				lg4 := log.WithComponent("fleet")
				lg4.Error().Err(err).
					Str("instance", entry.InstanceID).
					Msg("failed to retire instance")
				continue
			}
			metrics.FleetRetired.Inc()
			lg5 := log.WithComponent("fleet")
			lg5.Info().
				Str("service", entry.ServiceName).
				Str("instance", entry.InstanceID).
				Dur("silent", silent).
				Msg("instance retired")
			s.publish(events.EventInstanceRetired, entry.ServiceName, entry.InstanceID)

		case silent > s.cfg.MissThreshold:
			entry.ConsecutiveMisses++
			if err := s.store.update(entry); err != nil {
				lg6 := log.WithComponent("fleet")
				lg6.Error().Err(err).
					Str("instance", entry.InstanceID).
					Msg("failed to record miss")
				continue
			}
			if entry.ConsecutiveMisses == 1 {
				lg7 := log.WithComponent("fleet")
				lg7.Warn().
					Str("service", entry.ServiceName).
					Str("instance", entry.InstanceID).
					Msg("instance missing")
				s.publish(events.EventInstanceMissing, entry.ServiceName, entry.InstanceID)
			}
		}
	}
	return nil
}

func (s *Sweeper) publish(eventType events.EventType, service, instance string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    eventType,
		Message: string(eventType),
		Metadata: map[string]string{
			"service":  service,
			"instance": instance,
		},
	})
}
