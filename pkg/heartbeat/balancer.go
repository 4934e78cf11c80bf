package heartbeat

import (
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/quorum/pkg/discovery"
	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/types"
)

// NewControlPlaneBalancer builds the producer's load balancer over a
// configured control-plane address list. Each addr is host:port; the
// balancer answers lookups for ControlPlaneService only.
func NewControlPlaneBalancer(policy discovery.Policy, addrs []string) (*discovery.LoadBalancer, error) {
	if len(addrs) == 0 {
		return nil, errdefs.Validation("no_servers", "at least one control-plane address is required")
	}

	instances := make([]*types.Instance, 0, len(addrs))
	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errdefs.Validation("bad_server_address", "server address %q is not host:port", addr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 {
			return nil, errdefs.Validation("bad_server_address", "server address %q has an invalid port", addr)
		}
		instances = append(instances, &types.Instance{
			ServiceID:  ControlPlaneService,
			InstanceID: addr,
			Host:       host,
			Port:       port,
		})
	}

	selector, err := discovery.NewSelector(discovery.Policy(strings.ToUpper(string(policy))))
	if err != nil {
		return nil, err
	}
	resolver := discovery.NewStaticResolver(map[string][]*types.Instance{
		ControlPlaneService: instances,
	})
	return discovery.NewLoadBalancer(resolver, selector), nil
}
