package fleet

import (
	"context"
	"time"

	"github.com/cuemby/quorum/pkg/types"
)

// Resolver serves discovery lookups from the liveness projection: an
// instance is resolvable while its last heartbeat is fresh.
type Resolver struct {
	store  *Store
	maxAge time.Duration
	now    func() time.Time
}

// NewResolver builds a projection-backed resolver. Instances silent for
// longer than maxAge are excluded even before the sweeper retires them.
func NewResolver(store *Store, maxAge time.Duration) *Resolver {
	return &Resolver{
		store:  store,
		maxAge: maxAge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve maps fresh fleet entries onto discovery instances.
func (r *Resolver) Resolve(_ context.Context, serviceName string) ([]*types.Instance, error) {
	entries, err := r.store.ListService(serviceName)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-r.maxAge)
	instances := make([]*types.Instance, 0, len(entries))
	for _, entry := range entries {
		if r.maxAge > 0 && entry.LastSeen.Before(cutoff) {
			continue
		}
		inst := &types.Instance{
			ServiceID:  entry.ServiceName,
			InstanceID: entry.InstanceID,
		}
		if entry.LastPayload != nil {
			inst.Host = entry.LastPayload.Host
			inst.Port = entry.LastPayload.Port
			inst.Metadata = entry.LastPayload.Metadata
		}
		instances = append(instances, inst)
	}
	return instances, nil
}
