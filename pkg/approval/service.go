package approval

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/types"
)

// Authz decides approver eligibility per gate. The registry package
// provides the production implementation against the frozen requester
// snapshot.
type Authz interface {
	Authorized(ctx context.Context, approverUserID string, gate types.GateName, req *types.ApprovalRequest) (bool, error)
	IsSysAdmin(ctx context.Context, userID string) (bool, error)
}

const maxUpdateRetries = 3

// Service owns the aggregate operations.
type Service struct {
	store  *Store
	authz  Authz
	broker *events.Broker
	now    func() time.Time
}

// NewService wires the workflow. broker may be nil.
func NewService(store *Store, authz Authz, broker *events.Broker) *Service {
	return &Service{
		store:  store,
		authz:  authz,
		broker: broker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a request. The gate list is derived deterministically from
// the inputs; the requester's org context is frozen in the snapshot.
func (s *Service) Create(ctx context.Context, requesterUserID string, requestType types.RequestType, target types.RequestTarget, snapshot types.RequesterSnapshot) (*types.ApprovalRequest, error) {
	if requesterUserID == "" {
		return nil, errdefs.Validation("missing_requester", "requesterUserId is required")
	}
	if target.ServiceID == "" && target.TeamID == "" {
		return nil, errdefs.Validation("missing_target", "request target names neither a service nor a team")
	}

	now := s.now()
	req := &types.ApprovalRequest{
		ID:              uuid.NewString(),
		RequesterUserID: requesterUserID,
		RequestType:     requestType,
		Target:          target,
		Required:        RequiredGates(requestType, target, snapshot),
		Status:          types.StatusPending,
		Snapshot:        snapshot,
		Counts:          map[types.GateName]int{},
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         0,
	}
	if err := s.store.Insert(req); err != nil {
		return nil, err
	}

	metrics.ApprovalRequestsTotal.WithLabelValues(string(requestType)).Inc()
	s.publish(events.EventRequestCreated, req)
	lg1 := log.WithComponent("approval")
	lg1.Info().
		Str("request", req.ID).
		Str("type", string(requestType)).
		Msg("approval request created")
	return req, nil
}

// Get returns the aggregate projection.
func (s *Service) Get(_ context.Context, requestID string) (*types.ApprovalRequest, error) {
	return s.store.Get(requestID)
}

// RecordDecision validates and appends one decision, then recomputes the
// aggregate. A duplicate decision is absorbed idempotently only when it
// matches the stored one on decision and note.
func (s *Service) RecordDecision(ctx context.Context, requestID, approverUserID string, gate types.GateName, decision types.Decision, note string) (*types.ApprovalRequest, error) {
	req, err := s.store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, errdefs.Conflict("request_finalized", "request %q is %s", requestID, req.Status)
	}
	if !req.HasGate(gate) {
		return nil, errdefs.Validation("unknown_gate", "gate %s is not required by request %q", gate, requestID)
	}
	if decision != types.DecisionApprove && decision != types.DecisionReject {
		return nil, errdefs.Validation("unknown_decision", "decision must be APPROVE or REJECT")
	}

	ok, err := s.authz.Authorized(ctx, approverUserID, gate, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.Forbidden("not_authorized", "user %q cannot decide gate %s", approverUserID, gate)
	}

	record := &types.ApprovalDecision{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		ApproverUserID: approverUserID,
		Gate:           gate,
		Decision:       decision,
		DecidedAt:      s.now(),
		Note:           note,
	}
	if err := s.store.InsertDecision(record); err != nil {
		if !errdefs.IsConflict(err) {
			return nil, err
		}
		existing, getErr := s.store.GetDecision(requestID, approverUserID, gate)
		if getErr != nil {
			return nil, err
		}
		if existing.Decision != decision || existing.Note != note {
			return nil, err
		}
		// Idempotent replay: the identical decision already counted.
		return s.store.Get(requestID)
	}

	s.publish(events.EventDecisionRecorded, req)
	return s.recompute(requestID)
}

// recompute folds the decision log into the aggregate under optimistic
// concurrency.
func (s *Service) recompute(requestID string) (*types.ApprovalRequest, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		req, err := s.store.Get(requestID)
		if err != nil {
			return nil, err
		}
		if req.Status.Terminal() {
			return req, nil
		}

		decisions, err := s.store.Decisions(requestID)
		if err != nil {
			return nil, err
		}

		observed := req.Version
		req.Status, req.Counts = Recompute(req.Required, decisions)
		req.UpdatedAt = s.now()

		err = s.store.UpdateConditional(req, observed)
		if err == nil {
			if req.Status.Terminal() {
				s.finalize(req)
			}
			return req, nil
		}
		if !errdefs.IsConflict(err) {
			return nil, err
		}
		metrics.ApprovalConflicts.Inc()
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
	return nil, errdefs.Conflict("contention", "request %q is under contention", requestID)
}

// Cancel withdraws a pending request. Only the requester or a SYS_ADMIN
// may cancel.
func (s *Service) Cancel(ctx context.Context, requestID, actorUserID string) (*types.ApprovalRequest, error) {
	req, err := s.store.Get(requestID)
	if err != nil {
		return nil, err
	}
	if actorUserID != req.RequesterUserID {
		admin, err := s.authz.IsSysAdmin(ctx, actorUserID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, errdefs.Forbidden("not_requester", "user %q cannot cancel request %q", actorUserID, requestID)
		}
	}
	return s.transition(requestID, types.StatusCancelled, func(r *types.ApprovalRequest) error {
		if r.Status.Terminal() {
			return errdefs.Conflict("request_finalized", "request %q is %s", requestID, r.Status)
		}
		return nil
	})
}

// Expire marks a pending request EXPIRED once its window has passed.
func (s *Service) Expire(_ context.Context, requestID string, now time.Time, window time.Duration) (*types.ApprovalRequest, error) {
	return s.transition(requestID, types.StatusExpired, func(r *types.ApprovalRequest) error {
		if r.Status.Terminal() {
			return errdefs.Conflict("request_finalized", "request %q is %s", requestID, r.Status)
		}
		if now.Sub(r.CreatedAt) <= window {
			return errdefs.Validation("not_expired", "request %q is still inside its expiry window", requestID)
		}
		return nil
	})
}

func (s *Service) transition(requestID string, to types.RequestStatus, guard func(*types.ApprovalRequest) error) (*types.ApprovalRequest, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		req, err := s.store.Get(requestID)
		if err != nil {
			return nil, err
		}
		if err := guard(req); err != nil {
			return nil, err
		}

		observed := req.Version
		req.Status = to
		req.UpdatedAt = s.now()

		err = s.store.UpdateConditional(req, observed)
		if err == nil {
			s.finalize(req)
			return req, nil
		}
		if !errdefs.IsConflict(err) {
			return nil, err
		}
		metrics.ApprovalConflicts.Inc()
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
	return nil, errdefs.Conflict("contention", "request %q is under contention", requestID)
}

// finalize publishes the terminal transition. A publish failure is logged
// and never rolls the transition back.
func (s *Service) finalize(req *types.ApprovalRequest) {
	metrics.ApprovalTransitions.WithLabelValues(string(req.Status)).Inc()
	lg2 := log.WithComponent("approval")
	lg2.Info().
		Str("request", req.ID).
		Str("status", string(req.Status)).
		Msg("approval request finalized")
	s.publish(events.EventRequestFinalized, req)
}

func (s *Service) publish(eventType events.EventType, req *types.ApprovalRequest) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    eventType,
		Message: string(eventType),
		Metadata: map[string]string{
			"request": req.ID,
			"type":    string(req.RequestType),
			"status":  string(req.Status),
		},
	})
}
