package approval

import (
	"context"
	"encoding/json"

	"github.com/cuemby/quorum/pkg/cache"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/types"
)

// Outcome is the terminal result of an approval request, delivered to
// waiters blocked on the outcome endpoint.
type Outcome struct {
	RequestID   string              `json:"requestId"`
	RequestType types.RequestType   `json:"requestType"`
	Status      types.RequestStatus `json:"status"`
}

// OutcomeRelay subscribes to finalized-request events and completes the
// correlation table with the terminal status, keyed by request id. A
// waiter that registered before finalization receives the outcome on its
// channel; one that registers after finds it in the cache.
type OutcomeRelay struct {
	broker *events.Broker
	table  *cache.Correlation

	sub    events.Subscriber
	doneCh chan struct{}
}

// NewOutcomeRelay wires the relay. Nothing runs until Start.
func NewOutcomeRelay(broker *events.Broker, table *cache.Correlation) *OutcomeRelay {
	return &OutcomeRelay{
		broker: broker,
		table:  table,
		doneCh: make(chan struct{}),
	}
}

// Start consumes the event stream until Stop.
func (r *OutcomeRelay) Start() {
	r.sub = r.broker.Subscribe()
	go func() {
		defer close(r.doneCh)
		for ev := range r.sub {
			if ev.Type != events.EventRequestFinalized {
				continue
			}
			out := Outcome{
				RequestID:   ev.Metadata["request"],
				RequestType: types.RequestType(ev.Metadata["type"]),
				Status:      types.RequestStatus(ev.Metadata["status"]),
			}
			value, err := json.Marshal(out)
			if err != nil {
				continue
			}
			if err := r.table.Complete(context.Background(), out.RequestID, value); err != nil {
				lg1 := log.WithComponent("approval")
				lg1.Warn().Err(err).
					Str("request", out.RequestID).
					Msg("failed to deliver request outcome")
			}
		}
	}()
}

// Stop detaches from the event stream and waits for the loop to drain.
func (r *OutcomeRelay) Stop() {
	r.broker.Unsubscribe(r.sub)
	<-r.doneCh
}
