// Package discovery resolves service instances and selects among them.
// Resolution is delegated to a pluggable Resolver; selection policies are
// pure and safe for concurrent use.
package discovery

import (
	"context"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/types"
)

// Resolver looks up the live instances of a service. The returned slice is
// a snapshot: callers must not retain it across refresh cycles.
type Resolver interface {
	Resolve(ctx context.Context, serviceName string) ([]*types.Instance, error)
}

// StaticResolver serves a fixed instance table, typically seeded from
// configuration. Useful for agents pointing at a known control plane.
type StaticResolver struct {
	instances map[string][]*types.Instance
}

// NewStaticResolver builds a resolver over a service -> instances table.
func NewStaticResolver(table map[string][]*types.Instance) *StaticResolver {
	if table == nil {
		table = make(map[string][]*types.Instance)
	}
	return &StaticResolver{instances: table}
}

// Resolve returns the configured instances for serviceName.
func (r *StaticResolver) Resolve(_ context.Context, serviceName string) ([]*types.Instance, error) {
	return r.instances[serviceName], nil
}

// Selector picks an instance for a request key. serviceName scopes
// stateful policies (round robin counters); key feeds keyed policies
// (rendezvous).
type Selector interface {
	Select(serviceName, key string, instances []*types.Instance) (*types.Instance, error)
}

// Policy names a selection strategy.
type Policy string

const (
	PolicyRoundRobin     Policy = "ROUND_ROBIN"
	PolicyRandom         Policy = "RANDOM"
	PolicyWeightedRandom Policy = "WEIGHTED_RANDOM"
	PolicyRendezvous     Policy = "RENDEZVOUS"
)

// NewSelector builds the selector for a policy name.
func NewSelector(p Policy) (Selector, error) {
	switch p {
	case PolicyRoundRobin:
		return NewRoundRobin(), nil
	case PolicyRandom:
		return NewRandom(), nil
	case PolicyWeightedRandom:
		return NewWeightedRandom(), nil
	case PolicyRendezvous:
		return NewRendezvous(), nil
	default:
		return nil, errdefs.Validation("unknown_policy", "unknown load balancer policy %q", p)
	}
}

// LoadBalancer combines a resolver with a default policy; callers may pass
// a per-call override.
type LoadBalancer struct {
	resolver Resolver
	selector Selector
}

// NewLoadBalancer creates a load balancer with the given default policy.
func NewLoadBalancer(resolver Resolver, def Selector) *LoadBalancer {
	return &LoadBalancer{resolver: resolver, selector: def}
}

// Pick resolves serviceName and selects one instance. A nil override uses
// the default policy.
func (lb *LoadBalancer) Pick(ctx context.Context, serviceName, key string, override Selector) (*types.Instance, error) {
	instances, err := lb.resolver.Resolve(ctx, serviceName)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "discovery_failed", "instance resolution failed")
	}
	if len(instances) == 0 {
		return nil, errdefs.NotFound("no_instances", "no instances found for service %q", serviceName)
	}

	sel := lb.selector
	if override != nil {
		sel = override
	}
	return sel.Select(serviceName, key, instances)
}
