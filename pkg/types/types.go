package types

import (
	"time"
)

// HeartbeatPayload is the liveness signal emitted by SDK-instrumented
// processes. It is immutable once built; the broker partition key is
// ServiceName.
type HeartbeatPayload struct {
	ServiceName string            `json:"serviceName"`
	InstanceID  string            `json:"instanceId"`
	ConfigHash  string            `json:"configHash"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Environment string            `json:"environment"`
	Version     string            `json:"version"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ObservedAt  time.Time         `json:"observedAt"`
}

// FleetEntry is the per-instance liveness projection derived from the
// heartbeat stream. One entry per InstanceID.
type FleetEntry struct {
	ServiceName       string            `json:"serviceName"`
	InstanceID        string            `json:"instanceId"`
	LastSeen          time.Time         `json:"lastSeen"`
	ConfigHash        string            `json:"configHash"`
	LastPayload       *HeartbeatPayload `json:"lastPayload"`
	ConsecutiveMisses int               `json:"consecutiveMisses"`
}

// ServiceLifecycle is the lifecycle stage of an application service.
type ServiceLifecycle string

const (
	LifecycleActive     ServiceLifecycle = "ACTIVE"
	LifecycleDeprecated ServiceLifecycle = "DEPRECATED"
	LifecycleRetired    ServiceLifecycle = "RETIRED"
)

// ApplicationService is the registry aggregate for a fleet service. An
// absent OwnerTeamID marks the service as an orphan, eligible for a
// CLAIM_OWNERSHIP workflow.
type ApplicationService struct {
	ID           string           `json:"id"`
	DisplayName  string           `json:"displayName"`
	OwnerTeamID  string           `json:"ownerTeamId,omitempty"`
	Environments []string         `json:"environments,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	Lifecycle    ServiceLifecycle `json:"lifecycle"`
	RepoURL      string           `json:"repoUrl,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Version      int64            `json:"version"`
}

// GrantToType identifies the grantee kind of a share.
type GrantToType string

const (
	GrantToTeam GrantToType = "TEAM"
	GrantToUser GrantToType = "USER"
)

// SharePermission enumerates what a share allows.
type SharePermission string

const (
	PermissionView    SharePermission = "VIEW"
	PermissionDeploy  SharePermission = "DEPLOY"
	PermissionConfig  SharePermission = "CONFIG"
	PermissionOperate SharePermission = "OPERATE"
)

// ServiceShare grants a team or user scoped access to a service. At most
// one active (serviceId, grantToType, grantToId, environments) tuple.
type ServiceShare struct {
	ID           string            `json:"id"`
	ServiceID    string            `json:"serviceId"`
	GrantToType  GrantToType       `json:"grantToType"`
	GrantToID    string            `json:"grantToId"`
	Permissions  []SharePermission `json:"permissions"`
	Environments []string          `json:"environments,omitempty"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	CreatedBy    string            `json:"createdBy"`
}

// RequestType enumerates approval workflows.
type RequestType string

const (
	RequestClaimOwnership    RequestType = "CLAIM_OWNERSHIP"
	RequestTransferOwnership RequestType = "TRANSFER_OWNERSHIP"
	RequestGrantShare        RequestType = "GRANT_SHARE"
	RequestRetireService     RequestType = "RETIRE_SERVICE"
)

// RequestStatus is the approval request lifecycle state. PENDING is the
// only non-terminal state.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusApproved  RequestStatus = "APPROVED"
	StatusRejected  RequestStatus = "REJECTED"
	StatusCancelled RequestStatus = "CANCELLED"
	StatusExpired   RequestStatus = "EXPIRED"
)

// Terminal reports whether s admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s != StatusPending
}

// GateName is a named approval predicate.
type GateName string

const (
	GateSysAdmin    GateName = "SYS_ADMIN"
	GateLineManager GateName = "LINE_MANAGER"
	GateTeamLead    GateName = "TEAM_LEAD"
	GateOwnerTeam   GateName = "OWNER_TEAM"
)

// ApprovalGate pairs a gate with its minimum approval count. Overridable
// gates require minApprovals rejects before the request turns REJECTED;
// non-overridable gates (the default) reject on the first REJECT.
type ApprovalGate struct {
	Gate         GateName `json:"gate"`
	MinApprovals int      `json:"minApprovals"`
	Overridable  bool     `json:"overridable,omitempty"`
}

// RequestTarget names what an approval request acts on.
type RequestTarget struct {
	ServiceID string `json:"serviceId,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
}

// RequesterSnapshot freezes the requester's org context at creation time
// so gate evaluation stays deterministic while the org model changes.
type RequesterSnapshot struct {
	TeamIDs   []string `json:"teamIds,omitempty"`
	ManagerID string   `json:"managerId,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// ApprovalRequest is the multi-gate approval aggregate. Counts is a cached
// projection of APPROVE decisions per gate, refreshed on every recompute;
// the decision log is the source of truth.
type ApprovalRequest struct {
	ID              string            `json:"id"`
	RequesterUserID string            `json:"requesterUserId"`
	RequestType     RequestType       `json:"requestType"`
	Target          RequestTarget     `json:"target"`
	Required        []ApprovalGate    `json:"required"`
	Status          RequestStatus     `json:"status"`
	Snapshot        RequesterSnapshot `json:"snapshot"`
	Counts          map[GateName]int  `json:"counts,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Version         int64             `json:"version"`
}

// HasGate reports whether g appears in the required gate list.
func (r *ApprovalRequest) HasGate(g GateName) bool {
	for _, gate := range r.Required {
		if gate.Gate == g {
			return true
		}
	}
	return false
}

// Decision is an approver's verdict on one gate.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ApprovalDecision is an append-only decision event. The compound key
// (RequestID, ApproverUserID, Gate) is unique; decisions are never updated
// or deleted.
type ApprovalDecision struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"requestId"`
	ApproverUserID string    `json:"approverUserId"`
	Gate           GateName  `json:"gate"`
	Decision       Decision  `json:"decision"`
	DecidedAt      time.Time `json:"decidedAt"`
	Note           string    `json:"note,omitempty"`
}

// Instance is a discoverable endpoint of a service, owned by the discovery
// collaborator. The core holds references only for the duration of a
// selection.
type Instance struct {
	ServiceID  string            `json:"serviceId"`
	InstanceID string            `json:"instanceId"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
