package registry

import (
	"context"

	"github.com/cuemby/quorum/pkg/types"
)

// GateAuthz implements the approval workflow's approver-eligibility
// rules against the directory and the service catalog:
//
//   - SYS_ADMIN: the approver holds the SYS_ADMIN role.
//   - LINE_MANAGER: the approver is the manager frozen in the request
//     snapshot.
//   - TEAM_LEAD: the approver leads the target team.
//   - OWNER_TEAM: the approver belongs to the owning team of the target
//     service.
type GateAuthz struct {
	directory Directory
	store     *Store
}

// NewGateAuthz wires the rules.
func NewGateAuthz(directory Directory, store *Store) *GateAuthz {
	return &GateAuthz{directory: directory, store: store}
}

func (a *GateAuthz) IsSysAdmin(ctx context.Context, userID string) (bool, error) {
	roles, err := a.directory.Roles(ctx, userID)
	if err != nil {
		return false, err
	}
	return contains(roles, RoleSysAdmin), nil
}

func (a *GateAuthz) Authorized(ctx context.Context, approverUserID string, gate types.GateName, req *types.ApprovalRequest) (bool, error) {
	switch gate {
	case types.GateSysAdmin:
		return a.IsSysAdmin(ctx, approverUserID)

	case types.GateLineManager:
		return req.Snapshot.ManagerID != "" && approverUserID == req.Snapshot.ManagerID, nil

	case types.GateTeamLead:
		if req.Target.TeamID == "" {
			return false, nil
		}
		return a.directory.LeadsTeam(ctx, approverUserID, req.Target.TeamID)

	case types.GateOwnerTeam:
		if req.Target.ServiceID == "" {
			return false, nil
		}
		svc, err := a.store.GetService(req.Target.ServiceID)
		if err != nil {
			return false, err
		}
		if svc.OwnerTeamID == "" {
			return false, nil
		}
		return a.directory.MemberOf(ctx, approverUserID, svc.OwnerTeamID)

	default:
		return false, nil
	}
}
