// Package registry is the catalog of application services and the access
// grants attached to them. Services carry optimistic versions; a service
// with no owning team is an orphan, eligible for a claim workflow. The
// package also provides the approver-eligibility rules the approval
// workflow delegates to.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/types"
)

var (
	servicesBucket = []byte("services")
	sharesBucket   = []byte("shares")
)

// Store persists services and shares.
type Store struct {
	db *bolt.DB
}

// NewStore prepares the buckets on the shared database.
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{servicesBucket, sharesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// InsertService persists a new service. The id must be unused.
func (s *Store) InsertService(svc *types.ApplicationService) error {
	raw, err := json.Marshal(svc)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(servicesBucket)
		if bucket.Get([]byte(svc.ID)) != nil {
			return errdefs.Conflict("service_exists", "service %q already exists", svc.ID)
		}
		return bucket.Put([]byte(svc.ID), raw)
	})
	if err != nil {
		if errdefs.IsConflict(err) {
			return err
		}
		return errdefs.Wrap(err, errdefs.KindTransient, "registry_write_failed", "failed to insert service")
	}
	return nil
}

// GetService loads one service.
func (s *Store) GetService(serviceID string) (*types.ApplicationService, error) {
	var svc *types.ApplicationService
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(servicesBucket).Get([]byte(serviceID))
		if raw == nil {
			return errdefs.NotFound("service_not_found", "no service %q", serviceID)
		}
		svc = &types.ApplicationService{}
		return json.Unmarshal(raw, svc)
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// UpdateServiceConditional commits svc iff the stored version still equals
// observedVersion; the stored version advances by one.
func (s *Store) UpdateServiceConditional(svc *types.ApplicationService, observedVersion int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(servicesBucket)
		raw := bucket.Get([]byte(svc.ID))
		if raw == nil {
			return errdefs.NotFound("service_not_found", "no service %q", svc.ID)
		}
		stored := &types.ApplicationService{}
		if err := json.Unmarshal(raw, stored); err != nil {
			return err
		}
		if stored.Version != observedVersion {
			return errdefs.Conflict("version_conflict",
				"service %q moved from version %d to %d", svc.ID, observedVersion, stored.Version)
		}
		svc.Version = observedVersion + 1
		next, err := json.Marshal(svc)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(svc.ID), next)
	})
	if err != nil {
		if errdefs.KindOf(err) != errdefs.KindUnknown {
			return err
		}
		return errdefs.Wrap(err, errdefs.KindTransient, "registry_write_failed", "failed to update service")
	}
	return nil
}

// ListServices returns every service.
func (s *Store) ListServices() ([]*types.ApplicationService, error) {
	return s.listServices(func(*types.ApplicationService) bool { return true })
}

// ListOrphans returns services with no owning team.
func (s *Store) ListOrphans() ([]*types.ApplicationService, error) {
	return s.listServices(func(svc *types.ApplicationService) bool { return svc.OwnerTeamID == "" })
}

func (s *Store) listServices(keep func(*types.ApplicationService) bool) ([]*types.ApplicationService, error) {
	var services []*types.ApplicationService
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(servicesBucket).ForEach(func(_, raw []byte) error {
			svc := &types.ApplicationService{}
			if err := json.Unmarshal(raw, svc); err != nil {
				return err
			}
			if keep(svc) {
				services = append(services, svc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "registry_read_failed", "failed to list services")
	}
	return services, nil
}

// shareTuple canonicalizes the uniqueness key of an active share.
func shareTuple(share *types.ServiceShare) string {
	envs := append([]string(nil), share.Environments...)
	sort.Strings(envs)
	return fmt.Sprintf("%s|%s|%s|%s", share.ServiceID, share.GrantToType, share.GrantToID, strings.Join(envs, ","))
}

// InsertShare persists a grant after checking its invariants: non-empty
// permissions, expiry strictly after creation, and at most one active
// share per (service, grantee, environments) tuple.
func (s *Store) InsertShare(share *types.ServiceShare, now time.Time) error {
	if len(share.Permissions) == 0 {
		return errdefs.Validation("empty_permissions", "a share must carry at least one permission")
	}
	if share.ExpiresAt != nil && !share.ExpiresAt.After(share.CreatedAt) {
		return errdefs.Validation("expiry_before_creation", "expiresAt must be after createdAt")
	}

	raw, err := json.Marshal(share)
	if err != nil {
		return err
	}
	tuple := shareTuple(share)
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sharesBucket)
		var conflict error
		if err := bucket.ForEach(func(_, v []byte) error {
			existing := &types.ServiceShare{}
			if err := json.Unmarshal(v, existing); err != nil {
				return err
			}
			if shareTuple(existing) == tuple && shareActive(existing, now) {
				conflict = errdefs.Conflict("share_exists",
					"an active share for this grantee already exists on service %q", share.ServiceID)
			}
			return nil
		}); err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}
		return bucket.Put([]byte(share.ID), raw)
	})
	if err != nil {
		if errdefs.KindOf(err) != errdefs.KindUnknown {
			return err
		}
		return errdefs.Wrap(err, errdefs.KindTransient, "registry_write_failed", "failed to insert share")
	}
	return nil
}

func shareActive(share *types.ServiceShare, now time.Time) bool {
	return share.ExpiresAt == nil || share.ExpiresAt.After(now)
}

// ListShares returns the shares of one service, active and expired.
func (s *Store) ListShares(serviceID string) ([]*types.ServiceShare, error) {
	var shares []*types.ServiceShare
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sharesBucket).ForEach(func(_, raw []byte) error {
			share := &types.ServiceShare{}
			if err := json.Unmarshal(raw, share); err != nil {
				return err
			}
			if share.ServiceID == serviceID {
				shares = append(shares, share)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "registry_read_failed", "failed to list shares")
	}
	return shares, nil
}
