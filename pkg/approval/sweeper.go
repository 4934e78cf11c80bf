package approval

import (
	"context"
	"time"

	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/log"
)

// Sweeper expires pending requests that outlived the configured window.
type Sweeper struct {
	service *Service
	cfg     config.ApprovalConfig

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper wires the expiry sweep.
func NewSweeper(service *Service, cfg config.ApprovalConfig) *Sweeper {
	return &Sweeper{
		service: service,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		lg1 := log.WithComponent("approval")
		lg1.Info().
			Dur("interval", s.cfg.SweepInterval).
			Dur("window", s.cfg.ExpiryWindow).
			Msg("approval expiry sweeper started")
		for {
			select {
			case <-ticker.C:
				if err := s.Sweep(time.Now().UTC()); err != nil {
					lg2 := log.WithComponent("approval")
					lg2.Error().Err(err).Msg("expiry sweep failed")
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
}

// Sweep expires every pending request older than the window.
func (s *Sweeper) Sweep(now time.Time) error {
	pending, err := s.service.store.ListPending()
	if err != nil {
		return err
	}
	for _, req := range pending {
		if now.Sub(req.CreatedAt) <= s.cfg.ExpiryWindow {
			continue
		}
		if _, err := s.service.Expire(context.Background(), req.ID, now, s.cfg.ExpiryWindow); err != nil {
			// A race with a concurrent decision is benign.
			if errdefs.IsConflict(err) || errdefs.IsValidation(err) {
				continue
			}
			lg3 := log.WithComponent("approval")
			lg3.Error().Err(err).
				Str("request", req.ID).
				Msg("failed to expire request")
		}
	}
	return nil
}
