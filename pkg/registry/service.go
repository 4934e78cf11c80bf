package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/types"
)

const maxUpdateRetries = 3

// Registry owns the service catalog operations.
type Registry struct {
	store  *Store
	broker *events.Broker
	now    func() time.Time
}

// NewRegistry wires the catalog. broker may be nil.
func NewRegistry(store *Store, broker *events.Broker) *Registry {
	return &Registry{
		store:  store,
		broker: broker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying store for the gate rules.
func (r *Registry) Store() *Store {
	return r.store
}

// CreateService registers a service. An empty ownerTeamID leaves it an
// orphan.
func (r *Registry) CreateService(_ context.Context, displayName, ownerTeamID string, environments, tags []string, repoURL string) (*types.ApplicationService, error) {
	if displayName == "" {
		return nil, errdefs.Validation("missing_display_name", "displayName is required")
	}
	now := r.now()
	svc := &types.ApplicationService{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		OwnerTeamID:  ownerTeamID,
		Environments: environments,
		Tags:         tags,
		Lifecycle:    types.LifecycleActive,
		RepoURL:      repoURL,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      0,
	}
	if err := r.store.InsertService(svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// GetService loads one service.
func (r *Registry) GetService(_ context.Context, serviceID string) (*types.ApplicationService, error) {
	return r.store.GetService(serviceID)
}

// ListServices returns the whole catalog.
func (r *Registry) ListServices(_ context.Context) ([]*types.ApplicationService, error) {
	return r.store.ListServices()
}

// ListOrphans returns claimable services.
func (r *Registry) ListOrphans(_ context.Context) ([]*types.ApplicationService, error) {
	return r.store.ListOrphans()
}

// mutate applies fn to the service under optimistic concurrency.
func (r *Registry) mutate(serviceID string, fn func(*types.ApplicationService) error) (*types.ApplicationService, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		svc, err := r.store.GetService(serviceID)
		if err != nil {
			return nil, err
		}
		if err := fn(svc); err != nil {
			return nil, err
		}

		observed := svc.Version
		svc.UpdatedAt = r.now()
		err = r.store.UpdateServiceConditional(svc, observed)
		if err == nil {
			return svc, nil
		}
		if !errdefs.IsConflict(err) {
			return nil, err
		}
	}
	return nil, errdefs.Conflict("contention", "service %q is under contention", serviceID)
}

// UpdateService rewrites the mutable descriptive fields.
func (r *Registry) UpdateService(_ context.Context, serviceID, displayName string, environments, tags []string, repoURL string) (*types.ApplicationService, error) {
	return r.mutate(serviceID, func(svc *types.ApplicationService) error {
		if displayName != "" {
			svc.DisplayName = displayName
		}
		if environments != nil {
			svc.Environments = environments
		}
		if tags != nil {
			svc.Tags = tags
		}
		if repoURL != "" {
			svc.RepoURL = repoURL
		}
		return nil
	})
}

// SetLifecycle moves the service between lifecycle stages.
func (r *Registry) SetLifecycle(_ context.Context, serviceID string, lifecycle types.ServiceLifecycle) (*types.ApplicationService, error) {
	switch lifecycle {
	case types.LifecycleActive, types.LifecycleDeprecated, types.LifecycleRetired:
	default:
		return nil, errdefs.Validation("unknown_lifecycle", "unknown lifecycle %q", lifecycle)
	}
	return r.mutate(serviceID, func(svc *types.ApplicationService) error {
		svc.Lifecycle = lifecycle
		return nil
	})
}

// SetOwner assigns the owning team and announces the claim.
func (r *Registry) SetOwner(_ context.Context, serviceID, teamID string) (*types.ApplicationService, error) {
	if teamID == "" {
		return nil, errdefs.Validation("missing_team", "an owning team is required")
	}
	svc, err := r.mutate(serviceID, func(svc *types.ApplicationService) error {
		svc.OwnerTeamID = teamID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:    events.EventServiceClaimed,
			Message: string(events.EventServiceClaimed),
			Metadata: map[string]string{
				"service": serviceID,
				"team":    teamID,
			},
		})
	}
	return svc, nil
}

// GrantShare records an access grant on a service.
func (r *Registry) GrantShare(_ context.Context, serviceID string, grantTo types.GrantToType, grantToID string, permissions []types.SharePermission, environments []string, expiresAt *time.Time, createdBy string) (*types.ServiceShare, error) {
	if _, err := r.store.GetService(serviceID); err != nil {
		return nil, err
	}
	if grantTo != types.GrantToTeam && grantTo != types.GrantToUser {
		return nil, errdefs.Validation("unknown_grantee_type", "grantToType must be TEAM or USER")
	}

	now := r.now()
	share := &types.ServiceShare{
		ID:           uuid.NewString(),
		ServiceID:    serviceID,
		GrantToType:  grantTo,
		GrantToID:    grantToID,
		Permissions:  permissions,
		Environments: environments,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		CreatedBy:    createdBy,
	}
	if err := r.store.InsertShare(share, now); err != nil {
		return nil, err
	}
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:    events.EventShareGranted,
			Message: string(events.EventShareGranted),
			Metadata: map[string]string{
				"service": serviceID,
				"grantee": grantToID,
			},
		})
	}
	return share, nil
}

// ListShares returns the shares on a service.
func (r *Registry) ListShares(_ context.Context, serviceID string) ([]*types.ServiceShare, error) {
	return r.store.ListShares(serviceID)
}

// Apply carries an approved request's outcome into the catalog.
func (r *Registry) Apply(ctx context.Context, req *types.ApprovalRequest) error {
	if req.Status != types.StatusApproved {
		return errdefs.Validation("not_approved", "only approved requests apply, got %s", req.Status)
	}

	switch req.RequestType {
	case types.RequestClaimOwnership, types.RequestTransferOwnership:
		team := req.Target.TeamID
		if team == "" && len(req.Snapshot.TeamIDs) > 0 {
			team = req.Snapshot.TeamIDs[0]
		}
		_, err := r.SetOwner(ctx, req.Target.ServiceID, team)
		return err

	case types.RequestGrantShare:
		_, err := r.GrantShare(ctx, req.Target.ServiceID,
			types.GrantToTeam, req.Target.TeamID,
			[]types.SharePermission{types.PermissionView},
			nil, nil, req.RequesterUserID)
		if errdefs.IsConflict(err) {
			// The grant already exists; applying twice is benign.
			return nil
		}
		return err

	case types.RequestRetireService:
		_, err := r.SetLifecycle(ctx, req.Target.ServiceID, types.LifecycleRetired)
		return err

	default:
		lg1 := log.WithComponent("registry")
		lg1.Warn().
			Str("type", string(req.RequestType)).
			Msg("no registry effect for request type")
		return nil
	}
}

// RequestSource resolves finalized requests for the applier.
type RequestSource interface {
	Get(ctx context.Context, requestID string) (*types.ApprovalRequest, error)
}

// Applier listens for finalized requests and applies approved ones.
type Applier struct {
	registry *Registry
	source   RequestSource
	broker   *events.Broker

	sub    events.Subscriber
	doneCh chan struct{}
}

// NewApplier wires the event-driven applier.
func NewApplier(registry *Registry, source RequestSource, broker *events.Broker) *Applier {
	return &Applier{
		registry: registry,
		source:   source,
		broker:   broker,
		doneCh:   make(chan struct{}),
	}
}

// Start subscribes and consumes finalized-request events until Stop.
func (a *Applier) Start() {
	a.sub = a.broker.Subscribe()
	go func() {
		defer close(a.doneCh)
		for event := range a.sub {
			if event.Type != events.EventRequestFinalized {
				continue
			}
			if event.Metadata["status"] != string(types.StatusApproved) {
				continue
			}
			a.apply(event.Metadata["request"])
		}
	}()
}

// Stop unsubscribes and waits for the loop to drain.
func (a *Applier) Stop() {
	a.broker.Unsubscribe(a.sub)
	<-a.doneCh
}

func (a *Applier) apply(requestID string) {
	ctx := context.Background()
	req, err := a.source.Get(ctx, requestID)
	if err != nil {
		lg2 := log.WithComponent("registry")
		lg2.Error().Err(err).
			Str("request", requestID).
			Msg("failed to load finalized request")
		return
	}
	if err := a.registry.Apply(ctx, req); err != nil {
		lg3 := log.WithComponent("registry")
		lg3.Error().Err(err).
			Str("request", requestID).
			Msg("failed to apply approved request")
		return
	}
	lg4 := log.WithComponent("registry")
	lg4.Info().
		Str("request", requestID).
		Str("type", string(req.RequestType)).
		Msg("approved request applied")
}
