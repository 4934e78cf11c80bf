package discovery

import (
	"crypto/md5"
	"encoding/binary"
	"math/rand"
	"strconv"
	"sync"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/types"
)

// RoundRobin keeps a monotonic counter per service name; ties are broken
// by instance list order.
type RoundRobin struct {
	mu      sync.Mutex
	indexes map[string]int
}

// NewRoundRobin creates a round robin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{indexes: make(map[string]int)}
}

// Select returns the next instance in rotation for serviceName.
func (rr *RoundRobin) Select(serviceName, _ string, instances []*types.Instance) (*types.Instance, error) {
	if len(instances) == 0 {
		return nil, errdefs.NotFound("no_instances", "no instances to select from")
	}
	rr.mu.Lock()
	index := rr.indexes[serviceName] % len(instances)
	rr.indexes[serviceName] = index + 1
	rr.mu.Unlock()
	return instances[index], nil
}

// Random selects uniformly at random.
type Random struct{}

// NewRandom creates a uniform random selector.
func NewRandom() *Random {
	return &Random{}
}

// Select returns a uniformly random instance.
func (r *Random) Select(_, _ string, instances []*types.Instance) (*types.Instance, error) {
	if len(instances) == 0 {
		return nil, errdefs.NotFound("no_instances", "no instances to select from")
	}
	return instances[rand.Intn(len(instances))], nil
}

// WeightedRandom honors an integer "weight" metadata key; missing or
// invalid weights count as 1.
type WeightedRandom struct{}

// NewWeightedRandom creates a weighted random selector.
func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{}
}

// Select chooses an instance with probability proportional to its weight.
func (w *WeightedRandom) Select(_, _ string, instances []*types.Instance) (*types.Instance, error) {
	if len(instances) == 0 {
		return nil, errdefs.NotFound("no_instances", "no instances to select from")
	}

	total := 0
	weights := make([]int, len(instances))
	for i, inst := range instances {
		weights[i] = instanceWeight(inst)
		total += weights[i]
	}

	pick := rand.Intn(total)
	cumulative := 0
	for i, weight := range weights {
		cumulative += weight
		if pick < cumulative {
			return instances[i], nil
		}
	}
	// Unreachable with positive weights
	return instances[len(instances)-1], nil
}

func instanceWeight(inst *types.Instance) int {
	raw, ok := inst.Metadata["weight"]
	if !ok {
		return 1
	}
	weight, err := strconv.Atoi(raw)
	if err != nil || weight < 1 {
		return 1
	}
	return weight
}

// Rendezvous implements highest-random-weight hashing: score every
// (key, instance) pair and pick the max. Adding or removing one instance
// reassigns only ~1/N of keys.
type Rendezvous struct{}

// NewRendezvous creates a rendezvous hashing selector.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{}
}

// Select scores h(key || instanceId) for each instance and returns the
// max. The hash is the first 8 bytes of MD5 read as an unsigned 64-bit
// big-endian integer; ties go to the first-seen instance.
func (r *Rendezvous) Select(_, key string, instances []*types.Instance) (*types.Instance, error) {
	if len(instances) == 0 {
		return nil, errdefs.NotFound("no_instances", "no instances to select from")
	}

	var best *types.Instance
	var bestScore uint64
	for _, inst := range instances {
		score := rendezvousScore(key, inst.InstanceID)
		if best == nil || score > bestScore {
			best = inst
			bestScore = score
		}
	}
	return best, nil
}

func rendezvousScore(key, instanceID string) uint64 {
	sum := md5.Sum([]byte(key + instanceID))
	return binary.BigEndian.Uint64(sum[:8])
}
