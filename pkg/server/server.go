// Package server is the composition root of the control plane. It opens
// the stores, picks the broker backend, and wires the ingestion
// pipeline, the approval machinery, the registry applier, and both
// ingress listeners into one lifecycle.
package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/quorum/pkg/api"
	"github.com/cuemby/quorum/pkg/approval"
	"github.com/cuemby/quorum/pkg/broker"
	"github.com/cuemby/quorum/pkg/cache"
	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/discovery"
	"github.com/cuemby/quorum/pkg/events"
	"github.com/cuemby/quorum/pkg/fleet"
	"github.com/cuemby/quorum/pkg/ingest"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/registry"
	"github.com/cuemby/quorum/pkg/resilience"
)

// Server owns every long-running component of the control plane.
type Server struct {
	cfg *config.Config

	db    *bolt.DB
	queue broker.Broker

	eventBroker *events.Broker
	cacheEngine *cache.Engine
	health      *resilience.HealthRegistry

	consumer        *ingest.Consumer
	fleetStore      *fleet.Store
	fleetSweeper    *fleet.Sweeper
	approvalSweeper *approval.Sweeper
	applier         *registry.Applier
	outcomes        *cache.Correlation
	outcomeRelay    *approval.OutcomeRelay

	httpServer *api.Server
	grpcServer *api.GRPCServer
}

// New assembles the control plane from configuration. Nothing is
// listening or ticking until Start.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(cfg.Server.DataDir, "quorum.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	s := &Server{cfg: cfg, db: db}
	if err := s.wire(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) wire() error {
	cfg := s.cfg
	s.eventBroker = events.NewBroker()
	s.health = resilience.NewHealthRegistry()

	queue, err := s.buildQueue()
	if err != nil {
		return err
	}
	s.queue = queue

	cacheFabric := resilience.NewFabric(resilience.FabricConfig{
		Name:       "cache",
		Idempotent: true,
	}, s.health)
	engine, err := cache.NewEngine(cfg.Cache, cacheFabric, s.eventBroker)
	if err != nil {
		return err
	}
	s.cacheEngine = engine

	fleetStore, err := fleet.NewStore(s.db)
	if err != nil {
		return err
	}
	s.fleetStore = fleetStore
	s.fleetSweeper = fleet.NewSweeper(fleetStore, cfg.Fleet, s.eventBroker)
	s.consumer = ingest.NewConsumer(queue, cfg.App.Heartbeat.Kafka, fleetStore.Apply)

	registryStore, err := registry.NewStore(s.db)
	if err != nil {
		return err
	}
	reg := registry.NewRegistry(registryStore, s.eventBroker)

	directory, err := s.loadDirectory()
	if err != nil {
		return err
	}

	approvalStore, err := approval.NewStore(s.db)
	if err != nil {
		return err
	}
	authz := registry.NewGateAuthz(directory, registryStore)
	approvals := approval.NewService(approvalStore, authz, s.eventBroker)
	s.approvalSweeper = approval.NewSweeper(approvals, cfg.Approval)
	s.applier = registry.NewApplier(reg, approvals, s.eventBroker)

	s.outcomes = cache.NewCorrelation(engine, 0)
	s.outcomeRelay = approval.NewOutcomeRelay(s.eventBroker, s.outcomes)

	selector, err := discovery.NewSelector(discovery.Policy(strings.ToUpper(cfg.LoadBalancer.Policy)))
	if err != nil {
		return err
	}
	balancer := discovery.NewLoadBalancer(fleet.NewResolver(fleetStore, cfg.Fleet.MissThreshold), selector)

	s.httpServer = api.NewServer(cfg.Server.HTTPAddr, api.Deps{
		Queue:          queue,
		HeartbeatTopic: cfg.App.Heartbeat.Kafka.Topic,
		Fleet:          fleetStore,
		Approvals:      approvals,
		Registry:       reg,
		Cache:          engine,
		Balancer:       balancer,
		Outcomes:       s.outcomes,
		Health:         s.health,
	})
	s.grpcServer = api.NewGRPCServer(cfg.Server.GRPCAddr,
		api.NewIntake(queue, cfg.App.Heartbeat.Kafka.Topic))
	return nil
}

// buildQueue selects the broker backend. The embedded log is the
// single-node default; kafka serves clustered deployments.
func (s *Server) buildQueue() (broker.Broker, error) {
	hb := s.cfg.App.Heartbeat
	switch hb.Broker {
	case "kafka":
		return broker.NewKafka(hb.Kafka.Brokers)
	default:
		return broker.NewEmbedded(filepath.Join(s.cfg.Server.DataDir, "queue.db"), 0)
	}
}

// loadDirectory reads the org directory used by the approval gates. A
// missing file yields an empty directory: every gate except the
// requester-bound ones then denies.
func (s *Server) loadDirectory() (registry.Directory, error) {
	path := s.cfg.Server.DirectoryFile
	if path == "" {
		lg1 := log.WithComponent("server")
		lg1.Warn().Msg("no directory file configured, gate evaluation will deny role-based approvers")
		return registry.NewStaticDirectory(nil), nil
	}
	directory, err := registry.LoadDirectory(path)
	if err != nil {
		return nil, err
	}
	return directory, nil
}

// Start brings every component up in dependency order.
func (s *Server) Start() error {
	s.eventBroker.Start()
	s.applier.Start()
	s.outcomes.Start(time.Second)
	s.outcomeRelay.Start()

	if err := s.consumer.Start(); err != nil {
		return err
	}
	s.fleetSweeper.Start()
	s.approvalSweeper.Start()

	if err := s.grpcServer.Start(); err != nil {
		return err
	}
	s.httpServer.Start()

	lg2 := log.WithComponent("server")
	lg2.Info().
		Str("http", s.cfg.Server.HTTPAddr).
		Str("grpc", s.cfg.Server.GRPCAddr).
		Str("broker", s.cfg.App.Heartbeat.Broker).
		Msg("control plane started")
	return nil
}

// Stop tears the control plane down: ingress first so no new work
// arrives, then the pipeline, then the stores.
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Stop(ctx); err != nil {
		lg3 := log.WithComponent("server")
		lg3.Warn().Err(err).Msg("http shutdown incomplete")
	}
	s.grpcServer.Stop()

	s.consumer.Stop()
	s.fleetSweeper.Stop()
	s.approvalSweeper.Stop()
	s.applier.Stop()
	s.outcomeRelay.Stop()
	s.eventBroker.Stop()
	s.outcomes.Stop()

	if err := s.cacheEngine.Close(); err != nil {
		lg4 := log.WithComponent("server")
		lg4.Warn().Err(err).Msg("cache close failed")
	}
	if err := s.queue.Close(); err != nil {
		lg5 := log.WithComponent("server")
		lg5.Warn().Err(err).Msg("queue close failed")
	}
	if err := s.db.Close(); err != nil {
		lg6 := log.WithComponent("server")
		lg6.Warn().Err(err).Msg("state store close failed")
	}
	lg7 := log.WithComponent("server")
	lg7.Info().Msg("control plane stopped")
}
