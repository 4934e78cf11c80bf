package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quorum/pkg/approval"
	"github.com/cuemby/quorum/pkg/broker"
	"github.com/cuemby/quorum/pkg/cache"
	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/discovery"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/fleet"
	"github.com/cuemby/quorum/pkg/heartbeat"
	"github.com/cuemby/quorum/pkg/registry"
	"github.com/cuemby/quorum/pkg/types"
)

type allowAllAuthz struct{}

func (allowAllAuthz) Authorized(context.Context, string, types.GateName, *types.ApprovalRequest) (bool, error) {
	return true, nil
}

func (allowAllAuthz) IsSysAdmin(context.Context, string) (bool, error) {
	return true, nil
}

type testEnv struct {
	server *httptest.Server
	queue  *broker.Embedded
	fleet  *fleet.Store
	topic  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	queue, err := broker.NewEmbedded(filepath.Join(dir, "queue.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { queue.Close() })

	db, err := bolt.Open(filepath.Join(dir, "state.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fleetStore, err := fleet.NewStore(db)
	require.NoError(t, err)

	eventBroker := events.NewBroker()
	eventBroker.Start()

	approvalStore, err := approval.NewStore(db)
	require.NoError(t, err)
	approvals := approval.NewService(approvalStore, allowAllAuthz{}, eventBroker)

	registryStore, err := registry.NewStore(db)
	require.NoError(t, err)
	reg := registry.NewRegistry(registryStore, nil)

	engine, err := cache.NewEngine(config.CacheConfig{
		Provider:    "LOCAL",
		Compression: config.CompressionConfig{Threshold: 1024},
		Local:       config.LocalCacheConfig{MaxEntries: 64, DefaultTTL: time.Minute},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	outcomes := cache.NewCorrelation(engine, time.Minute)
	relay := approval.NewOutcomeRelay(eventBroker, outcomes)
	relay.Start()
	t.Cleanup(func() {
		relay.Stop()
		eventBroker.Stop()
	})

	selector, err := discovery.NewSelector(discovery.PolicyRoundRobin)
	require.NoError(t, err)
	balancer := discovery.NewLoadBalancer(fleet.NewResolver(fleetStore, time.Minute), selector)

	srv := NewServer("127.0.0.1:0", Deps{
		Queue:          queue,
		HeartbeatTopic: "heartbeats",
		Fleet:          fleetStore,
		Approvals:      approvals,
		Registry:       reg,
		Cache:          engine,
		Balancer:       balancer,
		Outcomes:       outcomes,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, queue: queue, fleet: fleetStore, topic: "heartbeats"}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeResp(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHeartbeatAcceptedAndQueued(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/heartbeat", types.HeartbeatPayload{
		ServiceName: "billing",
		InstanceID:  "billing-1",
		Host:        "10.0.0.5",
		Port:        8080,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	consumer, err := env.queue.Subscribe(env.topic, broker.ConsumerOptions{
		Group:         "api-test",
		FetchMinBytes: 1,
		FetchMaxWait:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	batches, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, batches)
	assert.Equal(t, "billing", batches[0].Records[0].Key)

	var payload types.HeartbeatPayload
	require.NoError(t, json.Unmarshal(batches[0].Records[0].Value, &payload))
	assert.Equal(t, "billing-1", payload.InstanceID)
	assert.False(t, payload.ObservedAt.IsZero(), "intake stamps the observation time")
}

func TestHeartbeatRejectsMissingIdentity(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/heartbeat", types.HeartbeatPayload{ServiceName: "billing"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorBody
	decodeResp(t, resp, &body)
	assert.Equal(t, "missing_identity", body.Code)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.server.URL+"/api/heartbeat", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/application-services", serviceRequest{
		DisplayName: "billing",
		OwnerTeamID: "team-a",
		Tags:        []string{"payments"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created types.ApplicationService
	decodeResp(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp = env.get(t, "/api/application-services/"+created.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got types.ApplicationService
	decodeResp(t, resp, &got)
	assert.Equal(t, "billing", got.DisplayName)

	resp = env.post(t, "/api/application-services", serviceRequest{DisplayName: "orphaned"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.get(t, "/api/application-services?orphans=true")
	var orphans []types.ApplicationService
	decodeResp(t, resp, &orphans)
	require.Len(t, orphans, 1)
	assert.Equal(t, "orphaned", orphans[0].DisplayName)

	req, err := http.NewRequest(http.MethodPut, env.server.URL+"/api/application-services/"+created.ID,
		bytes.NewReader([]byte(`{"displayName":"billing-v2"}`)))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, putResp.StatusCode)
	var updated types.ApplicationService
	decodeResp(t, putResp, &updated)
	assert.Equal(t, "billing-v2", updated.DisplayName)
	assert.Equal(t, int64(1), updated.Version)

	resp = env.get(t, "/api/application-services/ghost")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShareEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/application-services", serviceRequest{DisplayName: "billing", OwnerTeamID: "team-a"})
	var svc types.ApplicationService
	decodeResp(t, resp, &svc)

	resp = env.post(t, fmt.Sprintf("/api/application-services/%s/shares", svc.ID), shareRequest{
		GrantToType: types.GrantToTeam,
		GrantToID:   "team-b",
		Permissions: []types.SharePermission{types.PermissionView},
		CreatedBy:   "alice",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, fmt.Sprintf("/api/application-services/%s/shares", svc.ID), shareRequest{
		GrantToType: types.GrantToTeam,
		GrantToID:   "team-b",
		CreatedBy:   "alice",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty permissions rejected")
	resp.Body.Close()

	resp = env.get(t, fmt.Sprintf("/api/application-services/%s/shares", svc.ID))
	var shares []types.ServiceShare
	decodeResp(t, resp, &shares)
	assert.Len(t, shares, 1)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/application-services", serviceRequest{DisplayName: "billing", OwnerTeamID: "team-a"})
	var svc types.ApplicationService
	decodeResp(t, resp, &svc)

	resp = env.post(t, fmt.Sprintf("/api/application-services/%s/approval-requests", svc.ID), approvalCreateRequest{
		RequesterUserID: "alice",
		RequestType:     types.RequestRetireService,
		Snapshot:        types.RequesterSnapshot{TeamIDs: []string{"team-a"}},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var req types.ApprovalRequest
	decodeResp(t, resp, &req)
	assert.Equal(t, types.StatusPending, req.Status)
	assert.Equal(t, svc.ID, req.Target.ServiceID)

	resp = env.post(t, "/api/approval-requests/"+req.ID+"/decisions", decisionRequest{
		ApproverUserID: "root",
		Gate:           types.GateSysAdmin,
		Decision:       types.DecisionApprove,
		Note:           "override",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var after types.ApprovalRequest
	decodeResp(t, resp, &after)
	assert.Equal(t, types.StatusApproved, after.Status, "the overridable backstop satisfies every gate")

	resp = env.post(t, "/api/approval-requests/"+req.ID+"/cancel", cancelRequest{ActorUserID: "alice"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "finalized requests stay finalized")
	resp.Body.Close()

	resp = env.get(t, "/api/approval-requests/"+req.ID)
	var fetched types.ApprovalRequest
	decodeResp(t, resp, &fetched)
	assert.Equal(t, types.StatusApproved, fetched.Status)
}

func TestApprovalOutcomeAfterFinalization(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/application-services", serviceRequest{DisplayName: "billing", OwnerTeamID: "team-a"})
	var svc types.ApplicationService
	decodeResp(t, resp, &svc)

	resp = env.post(t, fmt.Sprintf("/api/application-services/%s/approval-requests", svc.ID), approvalCreateRequest{
		RequesterUserID: "alice",
		RequestType:     types.RequestRetireService,
		Snapshot:        types.RequesterSnapshot{TeamIDs: []string{"team-a"}},
	})
	var req types.ApprovalRequest
	decodeResp(t, resp, &req)

	resp = env.post(t, "/api/approval-requests/"+req.ID+"/decisions", decisionRequest{
		ApproverUserID: "root",
		Gate:           types.GateSysAdmin,
		Decision:       types.DecisionApprove,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.get(t, "/api/approval-requests/"+req.ID+"/outcome")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out approval.Outcome
	decodeResp(t, resp, &out)
	assert.Equal(t, req.ID, out.RequestID)
	assert.Equal(t, types.StatusApproved, out.Status)
}

func TestApprovalOutcomeLongPoll(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/application-services", serviceRequest{DisplayName: "billing", OwnerTeamID: "team-a"})
	var svc types.ApplicationService
	decodeResp(t, resp, &svc)

	resp = env.post(t, fmt.Sprintf("/api/application-services/%s/approval-requests", svc.ID), approvalCreateRequest{
		RequesterUserID: "alice",
		RequestType:     types.RequestRetireService,
		Snapshot:        types.RequesterSnapshot{TeamIDs: []string{"team-a"}},
	})
	var req types.ApprovalRequest
	decodeResp(t, resp, &req)

	outcomeCh := make(chan approval.Outcome, 1)
	go func() {
		resp := env.get(t, "/api/approval-requests/"+req.ID+"/outcome")
		var out approval.Outcome
		decodeResp(t, resp, &out)
		outcomeCh <- out
	}()

	// Give the poller a moment to park before finalizing; the cached
	// reply covers the race if it has not.
	time.Sleep(100 * time.Millisecond)
	resp = env.post(t, "/api/approval-requests/"+req.ID+"/decisions", decisionRequest{
		ApproverUserID: "root",
		Gate:           types.GateSysAdmin,
		Decision:       types.DecisionApprove,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case out := <-outcomeCh:
		assert.Equal(t, req.ID, out.RequestID)
		assert.Equal(t, types.StatusApproved, out.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("outcome poll never returned")
	}
}

func TestDiscoveryEndpoint(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now().UTC()
	require.NoError(t, env.fleet.Apply(context.Background(), []*types.HeartbeatPayload{
		{ServiceName: "billing", InstanceID: "billing-1", Host: "10.0.0.1", Port: 8080, ObservedAt: now},
		{ServiceName: "billing", InstanceID: "billing-2", Host: "10.0.0.2", Port: 8080, ObservedAt: now},
	}))

	resp := env.get(t, "/api/discovery/billing")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inst types.Instance
	decodeResp(t, resp, &inst)
	assert.Equal(t, "billing", inst.ServiceID)
	assert.NotEmpty(t, inst.Host)

	// A rendezvous override sticks a key to one instance.
	resp = env.get(t, "/api/discovery/billing?policy=rendezvous&key=customer-42")
	var first types.Instance
	decodeResp(t, resp, &first)
	resp = env.get(t, "/api/discovery/billing?policy=rendezvous&key=customer-42")
	var second types.Instance
	decodeResp(t, resp, &second)
	assert.Equal(t, first.InstanceID, second.InstanceID)

	resp = env.get(t, "/api/discovery/ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/discovery/billing?policy=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestFleetQueries(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now().UTC()
	require.NoError(t, env.fleet.Apply(context.Background(), []*types.HeartbeatPayload{
		{ServiceName: "billing", InstanceID: "billing-1", ObservedAt: now},
		{ServiceName: "search", InstanceID: "search-1", ObservedAt: now},
	}))

	resp := env.get(t, "/api/fleet")
	var all []types.FleetEntry
	decodeResp(t, resp, &all)
	assert.Len(t, all, 2)

	resp = env.get(t, "/api/fleet?service=billing")
	var billing []types.FleetEntry
	decodeResp(t, resp, &billing)
	require.Len(t, billing, 1)
	assert.Equal(t, "billing-1", billing[0].InstanceID)

	resp = env.get(t, "/api/fleet/billing-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/fleet/ghost")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCacheStatusAndSwap(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/status/cache")
	var status cache.Status
	decodeResp(t, resp, &status)
	assert.Equal(t, cache.ProviderLocal, status.Provider)

	req, err := http.NewRequest(http.MethodPut, env.server.URL+"/status/cache",
		bytes.NewReader([]byte(`{"provider":"noop"}`)))
	require.NoError(t, err)
	swapResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, swapResp.StatusCode)
	decodeResp(t, swapResp, &status)
	assert.Equal(t, cache.ProviderNoop, status.Provider)

	req, err = http.NewRequest(http.MethodPut, env.server.URL+"/status/cache",
		bytes.NewReader([]byte(`{"provider":"bogus"}`)))
	require.NoError(t, err)
	badResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestHealthReadyMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestGRPCIntakePublishes(t *testing.T) {
	env := newTestEnv(t)

	intake := NewIntake(env.queue, env.topic)
	resp, err := intake.Publish(context.Background(), &heartbeat.PublishRequest{
		Payload: &types.HeartbeatPayload{
			ServiceName: "billing",
			InstanceID:  "billing-2",
			ObservedAt:  time.Now().UTC(),
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)

	consumer, err := env.queue.Subscribe(env.topic, broker.ConsumerOptions{
		Group:         "grpc-test",
		FetchMinBytes: 1,
		FetchMaxWait:  100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	batches, err := consumer.Poll(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, batches)
	assert.Equal(t, "billing", batches[0].Records[0].Key)
}

func TestGRPCIntakeRejectsMissingPayload(t *testing.T) {
	env := newTestEnv(t)

	intake := NewIntake(env.queue, env.topic)
	_, err := intake.Publish(context.Background(), &heartbeat.PublishRequest{})
	assert.Error(t, err)
}
