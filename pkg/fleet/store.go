// Package fleet maintains the liveness projection derived from the
// heartbeat stream: one entry per instance, updated by the ingest
// consumer and aged out by a tick-driven sweeper.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/types"
)

var fleetBucket = []byte("fleet")

// Store persists the projection, one document per instance id.
type Store struct {
	db *bolt.DB
}

// NewStore prepares the bucket on the shared database.
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(fleetBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fleet bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Apply upserts one batch of heartbeats. A fresh heartbeat clears the
// instance's miss counter. Heartbeats older than the recorded last-seen
// instant refresh nothing but still count as liveness.
func (s *Store) Apply(_ context.Context, payloads []*types.HeartbeatPayload) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(fleetBucket)
		for _, payload := range payloads {
			entry := &types.FleetEntry{}
			if raw := bucket.Get([]byte(payload.InstanceID)); raw != nil {
				if err := json.Unmarshal(raw, entry); err != nil {
					return fmt.Errorf("corrupt fleet entry %s: %w", payload.InstanceID, err)
				}
			}

			observed := payload.ObservedAt
			if observed.IsZero() {
				observed = time.Now().UTC()
			}
			entry.ServiceName = payload.ServiceName
			entry.InstanceID = payload.InstanceID
			entry.ConfigHash = payload.ConfigHash
			entry.LastPayload = payload
			entry.ConsecutiveMisses = 0
			if observed.After(entry.LastSeen) {
				entry.LastSeen = observed
			}

			raw, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(payload.InstanceID), raw); err != nil {
				return err
			}
		}
		metrics.FleetEntries.Set(float64(bucket.Stats().KeyN))
		return nil
	})
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "fleet_write_failed", "failed to apply heartbeat batch")
	}
	return nil
}

// Get returns the entry for one instance.
func (s *Store) Get(instanceID string) (*types.FleetEntry, error) {
	var entry *types.FleetEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(fleetBucket).Get([]byte(instanceID))
		if raw == nil {
			return errdefs.NotFound("instance_not_found", "no fleet entry for instance %q", instanceID)
		}
		entry = &types.FleetEntry{}
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns every tracked entry.
func (s *Store) List() ([]*types.FleetEntry, error) {
	return s.scan(func(*types.FleetEntry) bool { return true })
}

// ListService returns the entries of one service.
func (s *Store) ListService(serviceName string) ([]*types.FleetEntry, error) {
	return s.scan(func(e *types.FleetEntry) bool { return e.ServiceName == serviceName })
}

func (s *Store) scan(keep func(*types.FleetEntry) bool) ([]*types.FleetEntry, error) {
	var entries []*types.FleetEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(fleetBucket).ForEach(func(_, raw []byte) error {
			entry := &types.FleetEntry{}
			if err := json.Unmarshal(raw, entry); err != nil {
				return err
			}
			if keep(entry) {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "fleet_read_failed", "failed to list fleet entries")
	}
	return entries, nil
}

// update rewrites one entry in place; used by the sweeper.
func (s *Store) update(entry *types.FleetEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fleetBucket).Put([]byte(entry.InstanceID), raw)
	})
}

// delete removes one entry; used by the sweeper.
func (s *Store) delete(instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(fleetBucket)
		if err := bucket.Delete([]byte(instanceID)); err != nil {
			return err
		}
		metrics.FleetEntries.Set(float64(bucket.Stats().KeyN))
		return nil
	})
}
