// Package approval implements the multi-gate approval workflow: an
// aggregate with a deterministic gate list, an append-only decision log,
// and a pure recompute that folds decisions into the aggregate status
// under optimistic concurrency.
package approval

import (
	"github.com/cuemby/quorum/pkg/types"
)

// RequiredGates derives the gate list for a request. The function is pure:
// the same (requestType, target, snapshot) always yields the same ordered
// list. The LINE_MANAGER gate is present only when the snapshot names a
// manager; a SYS_ADMIN gate marked overridable backstops every workflow,
// so the list is never empty.
func RequiredGates(requestType types.RequestType, target types.RequestTarget, snapshot types.RequesterSnapshot) []types.ApprovalGate {
	var gates []types.ApprovalGate

	switch requestType {
	case types.RequestClaimOwnership:
		if snapshot.ManagerID != "" {
			gates = append(gates, types.ApprovalGate{Gate: types.GateLineManager, MinApprovals: 1})
		}
	case types.RequestTransferOwnership:
		gates = append(gates, types.ApprovalGate{Gate: types.GateOwnerTeam, MinApprovals: 1})
		if snapshot.ManagerID != "" {
			gates = append(gates, types.ApprovalGate{Gate: types.GateLineManager, MinApprovals: 1})
		}
	case types.RequestGrantShare:
		gates = append(gates, types.ApprovalGate{Gate: types.GateOwnerTeam, MinApprovals: 1})
		if target.TeamID != "" {
			gates = append(gates, types.ApprovalGate{Gate: types.GateTeamLead, MinApprovals: 1})
		}
	case types.RequestRetireService:
		gates = append(gates, types.ApprovalGate{Gate: types.GateOwnerTeam, MinApprovals: 2})
	}

	gates = append(gates, types.ApprovalGate{Gate: types.GateSysAdmin, MinApprovals: 1, Overridable: true})
	return gates
}

// Recompute folds the decision log into a status and per-gate APPROVE
// counts. Deterministic: depends only on its inputs. A non-overridable
// gate turns the request REJECTED on its first REJECT; an overridable
// gate requires minApprovals rejects. The request is APPROVED only when
// every gate has reached its minimum. REJECTED wins when both conditions
// hold in the same recompute.
func Recompute(required []types.ApprovalGate, decisions []*types.ApprovalDecision) (types.RequestStatus, map[types.GateName]int) {
	approves := make(map[types.GateName]int)
	rejects := make(map[types.GateName]int)
	for _, d := range decisions {
		switch d.Decision {
		case types.DecisionApprove:
			approves[d.Gate]++
		case types.DecisionReject:
			rejects[d.Gate]++
		}
	}

	counts := make(map[types.GateName]int, len(required))
	rejected := false
	approved := true
	for _, gate := range required {
		counts[gate.Gate] = approves[gate.Gate]

		rejectBar := 1
		if gate.Overridable {
			rejectBar = gate.MinApprovals
		}
		if rejects[gate.Gate] >= rejectBar {
			rejected = true
		}
		if approves[gate.Gate] < gate.MinApprovals {
			approved = false
		}
	}

	switch {
	case rejected:
		return types.StatusRejected, counts
	case approved:
		return types.StatusApproved, counts
	default:
		return types.StatusPending, counts
	}
}
