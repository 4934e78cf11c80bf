package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/quorum/pkg/approval"
	"github.com/cuemby/quorum/pkg/cache"
	"github.com/cuemby/quorum/pkg/discovery"
	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/types"
)

// handleHeartbeat accepts one heartbeat and hands it to the ingestion
// pipeline. The partition key is the service name so per-service order
// survives the trip through the queue.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var payload types.HeartbeatPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	if payload.ServiceName == "" || payload.InstanceID == "" {
		writeError(w, errdefs.Validation("missing_identity", "serviceName and instanceId are required"))
		return
	}
	if payload.ObservedAt.IsZero() {
		payload.ObservedAt = time.Now().UTC()
	}

	value, err := json.Marshal(&payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Queue.Publish(r.Context(), s.deps.HeartbeatTopic, payload.ServiceName, value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type serviceRequest struct {
	DisplayName  string   `json:"displayName"`
	OwnerTeamID  string   `json:"ownerTeamId"`
	Environments []string `json:"environments"`
	Tags         []string `json:"tags"`
	RepoURL      string   `json:"repoUrl"`
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var body serviceRequest
	if !decodeBody(w, r, &body) {
		return
	}
	svc, err := s.deps.Registry.CreateService(r.Context(), body.DisplayName, body.OwnerTeamID, body.Environments, body.Tags, body.RepoURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	var (
		services []*types.ApplicationService
		err      error
	)
	if r.URL.Query().Get("orphans") == "true" {
		services, err = s.deps.Registry.ListOrphans(r.Context())
	} else {
		services, err = s.deps.Registry.ListServices(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.deps.Registry.GetService(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	var body serviceRequest
	if !decodeBody(w, r, &body) {
		return
	}
	svc, err := s.deps.Registry.UpdateService(r.Context(), r.PathValue("id"), body.DisplayName, body.Environments, body.Tags, body.RepoURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

type shareRequest struct {
	GrantToType  types.GrantToType       `json:"grantToType"`
	GrantToID    string                  `json:"grantToId"`
	Permissions  []types.SharePermission `json:"permissions"`
	Environments []string                `json:"environments"`
	ExpiresAt    *time.Time              `json:"expiresAt"`
	CreatedBy    string                  `json:"createdBy"`
}

func (s *Server) handleGrantShare(w http.ResponseWriter, r *http.Request) {
	var body shareRequest
	if !decodeBody(w, r, &body) {
		return
	}
	share, err := s.deps.Registry.GrantShare(r.Context(), r.PathValue("id"),
		body.GrantToType, body.GrantToID, body.Permissions, body.Environments,
		body.ExpiresAt, body.CreatedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.deps.Registry.ListShares(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

type approvalCreateRequest struct {
	RequesterUserID string                  `json:"requesterUserId"`
	RequestType     types.RequestType       `json:"requestType"`
	TeamID          string                  `json:"teamId"`
	Snapshot        types.RequesterSnapshot `json:"snapshot"`
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalCreateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	target := types.RequestTarget{ServiceID: r.PathValue("id"), TeamID: body.TeamID}
	req, err := s.deps.Approvals.Create(r.Context(), body.RequesterUserID, body.RequestType, target, body.Snapshot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Approvals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	ApproverUserID string         `json:"approverUserId"`
	Gate           types.GateName `json:"gate"`
	Decision       types.Decision `json:"decision"`
	Note           string         `json:"note"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := s.deps.Approvals.RecordDecision(r.Context(), r.PathValue("id"),
		body.ApproverUserID, body.Gate, body.Decision, body.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type cancelRequest struct {
	ActorUserID string `json:"actorUserId"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := s.deps.Approvals.Cancel(r.Context(), r.PathValue("id"), body.ActorUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// outcomeWaitMax bounds a long poll on a pending request; waiters past
// it get the current state back and re-poll.
const outcomeWaitMax = 30 * time.Second

// handleOutcome answers immediately for finalized requests and long-polls
// on pending ones: the waiter is parked on the correlation table until the
// finalized event arrives or the wait times out.
func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, err := s.deps.Approvals.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Status != types.StatusPending || s.deps.Outcomes == nil {
		writeJSON(w, http.StatusOK, approval.Outcome{
			RequestID:   req.ID,
			RequestType: req.RequestType,
			Status:      req.Status,
		})
		return
	}

	// A finalization between the load and this call is not lost: the
	// reply is cached and Register returns it.
	ch, err := s.deps.Outcomes.Register(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	timer := time.NewTimer(outcomeWaitMax)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(value)
			return
		}
	case <-timer.C:
		s.deps.Outcomes.Cancel(id)
	case <-r.Context().Done():
		s.deps.Outcomes.Cancel(id)
		return
	}
	writeJSON(w, http.StatusOK, approval.Outcome{
		RequestID:   req.ID,
		RequestType: req.RequestType,
		Status:      types.StatusPending,
	})
}

// handleDiscovery serves a load-balanced discovery answer from the fleet
// projection. key feeds keyed policies; policy overrides the default for
// one call.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Balancer == nil {
		writeError(w, errdefs.NotFound("discovery_disabled", "discovery is not available"))
		return
	}

	var override discovery.Selector
	if policy := r.URL.Query().Get("policy"); policy != "" {
		sel, err := discovery.NewSelector(discovery.Policy(strings.ToUpper(policy)))
		if err != nil {
			writeError(w, err)
			return
		}
		override = sel
	}

	inst, err := s.deps.Balancer.Pick(r.Context(), r.PathValue("service"), r.URL.Query().Get("key"), override)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListFleet(w http.ResponseWriter, r *http.Request) {
	var (
		entries []*types.FleetEntry
		err     error
	)
	if service := r.URL.Query().Get("service"); service != "" {
		entries, err = s.deps.Fleet.ListService(service)
	} else {
		entries, err = s.deps.Fleet.List()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetFleetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Fleet.Get(r.PathValue("instanceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cache.Status())
}

type cacheSwapRequest struct {
	Provider string `json:"provider"`
}

// handleCacheSwap hot-swaps the cache backend without a restart.
func (s *Server) handleCacheSwap(w http.ResponseWriter, r *http.Request) {
	var body cacheSwapRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Cache.Swap(cache.Provider(body.Provider)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Status())
}
