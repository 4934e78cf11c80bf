package approval

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/types"
)

var (
	requestsBucket  = []byte("approval_requests")
	decisionsBucket = []byte("approval_decisions")
)

// Store persists aggregates and the decision log. Aggregate writes are
// version-conditional; decision inserts enforce the compound unique key
// (requestId, approverUserId, gate).
type Store struct {
	db *bolt.DB
}

// NewStore prepares the buckets on the shared database.
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{requestsBucket, decisionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create approval buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func decisionKey(requestID, approverUserID string, gate types.GateName) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", requestID, approverUserID, gate))
}

// Insert persists a new aggregate. The id must be unused.
func (s *Store) Insert(req *types.ApprovalRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(requestsBucket)
		if bucket.Get([]byte(req.ID)) != nil {
			return errdefs.Conflict("request_exists", "approval request %q already exists", req.ID)
		}
		return bucket.Put([]byte(req.ID), raw)
	})
	if err != nil {
		if errdefs.IsConflict(err) {
			return err
		}
		return errdefs.Wrap(err, errdefs.KindTransient, "approval_write_failed", "failed to insert request")
	}
	return nil
}

// Get loads one aggregate.
func (s *Store) Get(requestID string) (*types.ApprovalRequest, error) {
	var req *types.ApprovalRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(requestsBucket).Get([]byte(requestID))
		if raw == nil {
			return errdefs.NotFound("request_not_found", "no approval request %q", requestID)
		}
		req = &types.ApprovalRequest{}
		return json.Unmarshal(raw, req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// UpdateConditional commits req iff the stored version still equals
// observedVersion, bumping the stored version by one. A lost race
// surfaces as Conflict.
func (s *Store) UpdateConditional(req *types.ApprovalRequest, observedVersion int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(requestsBucket)
		raw := bucket.Get([]byte(req.ID))
		if raw == nil {
			return errdefs.NotFound("request_not_found", "no approval request %q", req.ID)
		}
		stored := &types.ApprovalRequest{}
		if err := json.Unmarshal(raw, stored); err != nil {
			return err
		}
		if stored.Version != observedVersion {
			return errdefs.Conflict("version_conflict",
				"approval request %q moved from version %d to %d", req.ID, observedVersion, stored.Version)
		}
		req.Version = observedVersion + 1
		next, err := json.Marshal(req)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(req.ID), next)
	})
	if err != nil {
		if errdefs.KindOf(err) != errdefs.KindUnknown {
			return err
		}
		return errdefs.Wrap(err, errdefs.KindTransient, "approval_write_failed", "failed to update request")
	}
	return nil
}

// InsertDecision appends one decision. A second decision for the same
// (requestId, approver, gate) returns Conflict carrying no state change;
// the caller decides whether the duplicate is idempotent.
func (s *Store) InsertDecision(decision *types.ApprovalDecision) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	key := decisionKey(decision.RequestID, decision.ApproverUserID, decision.Gate)
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(decisionsBucket)
		if bucket.Get(key) != nil {
			return errdefs.Conflict("duplicate_decision",
				"approver %q already decided gate %s on request %q",
				decision.ApproverUserID, decision.Gate, decision.RequestID)
		}
		return bucket.Put(key, raw)
	})
	if err != nil {
		if errdefs.IsConflict(err) {
			return err
		}
		return errdefs.Wrap(err, errdefs.KindTransient, "approval_write_failed", "failed to insert decision")
	}
	return nil
}

// GetDecision loads one decision by its compound key.
func (s *Store) GetDecision(requestID, approverUserID string, gate types.GateName) (*types.ApprovalDecision, error) {
	var decision *types.ApprovalDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(decisionsBucket).Get(decisionKey(requestID, approverUserID, gate))
		if raw == nil {
			return errdefs.NotFound("decision_not_found", "no decision by %q on gate %s", approverUserID, gate)
		}
		decision = &types.ApprovalDecision{}
		return json.Unmarshal(raw, decision)
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Decisions returns the full log for one request.
func (s *Store) Decisions(requestID string) ([]*types.ApprovalDecision, error) {
	prefix := []byte(requestID + "/")
	var decisions []*types.ApprovalDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(decisionsBucket).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			decision := &types.ApprovalDecision{}
			if err := json.Unmarshal(v, decision); err != nil {
				return err
			}
			decisions = append(decisions, decision)
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "approval_read_failed", "failed to read decisions")
	}
	return decisions, nil
}

// ListPending returns every aggregate still in PENDING.
func (s *Store) ListPending() ([]*types.ApprovalRequest, error) {
	return s.list(func(r *types.ApprovalRequest) bool { return r.Status == types.StatusPending })
}

// ListByGate returns pending aggregates whose gate list contains gate.
func (s *Store) ListByGate(gate types.GateName) ([]*types.ApprovalRequest, error) {
	return s.list(func(r *types.ApprovalRequest) bool {
		return r.Status == types.StatusPending && r.HasGate(gate)
	})
}

func (s *Store) list(keep func(*types.ApprovalRequest) bool) ([]*types.ApprovalRequest, error) {
	var requests []*types.ApprovalRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(requestsBucket).ForEach(func(_, raw []byte) error {
			req := &types.ApprovalRequest{}
			if err := json.Unmarshal(raw, req); err != nil {
				return err
			}
			if keep(req) {
				requests = append(requests, req)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindTransient, "approval_read_failed", "failed to list requests")
	}
	return requests, nil
}
