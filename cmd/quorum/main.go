package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/quorum/pkg/config"
	"github.com/cuemby/quorum/pkg/discovery"
	"github.com/cuemby/quorum/pkg/heartbeat"
	"github.com/cuemby/quorum/pkg/log"
	"github.com/cuemby/quorum/pkg/metrics"
	"github.com/cuemby/quorum/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Quorum - fleet heartbeat and approval control plane",
	Long: `Quorum tracks a fleet of service instances through a durable
heartbeat pipeline and guards ownership changes behind multi-gate
approvals.

The server command runs the control plane; the agent command runs the
heartbeat producer alongside an application instance.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quorum version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to configuration file")
	agentCmd.Flags().String("metrics-addr", "", "serve producer metrics on this address (empty disables)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	Long: `Run the control plane: heartbeat intake over HTTP and grpc, the
batch ingestion pipeline, the fleet projection with its sweeper, the
approval state machine, and the service registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		srv, err := server.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to assemble control plane: %v", err)
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start control plane: %v", err)
		}

		waitForSignal()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Stop(ctx)
		return nil
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the heartbeat agent",
	Long: `Run the heartbeat producer as a sidecar: it emits one liveness
signal per interval to the control plane over the configured protocol,
fingerprinting the effective configuration into every payload.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		hb := cfg.App.Heartbeat
		if hb.ServiceName == "" || hb.InstanceID == "" {
			return fmt.Errorf("app.heartbeat.service-name and app.heartbeat.instance-id are required")
		}

		var lb *discovery.LoadBalancer
		if len(hb.Servers) > 0 {
			lb, err = heartbeat.NewControlPlaneBalancer(discovery.Policy(cfg.LoadBalancer.Policy), hb.Servers)
			if err != nil {
				return fmt.Errorf("failed to build control-plane balancer: %v", err)
			}
		}

		producer := heartbeat.NewProducer(hb, lb, flatten(cfg),
			heartbeat.NewHTTPTransport(5*time.Second),
			heartbeat.NewGRPCTransport(5*time.Second),
		)
		producer.Start()

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("GET /metrics", metrics.Handler())
				if err := http.ListenAndServe(addr, mux); err != nil {
					fmt.Fprintf(os.Stderr, "metrics listener failed: %v\n", err)
				}
			}()
		}

		waitForSignal()
		producer.Stop()
		return nil
	},
}

// flatten projects the configuration keys that identify this instance
// into the fingerprinted property map.
func flatten(cfg *config.Config) map[string]string {
	hb := cfg.App.Heartbeat
	return map[string]string{
		"app.heartbeat.service-name": hb.ServiceName,
		"app.heartbeat.instance-id":  hb.InstanceID,
		"app.heartbeat.environment":  hb.Environment,
		"app.heartbeat.protocol":     hb.Protocol,
		"app.heartbeat.version":      hb.Version,
		"app.heartbeat.direct-url":   hb.DirectURL,
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
}
