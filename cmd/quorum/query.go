package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/quorum/pkg/client"
)

var serverAddr string

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://127.0.0.1:8080", "control plane address")

	fleetCmd.Flags().String("service", "", "filter by service name")
	servicesCmd.Flags().Bool("orphans", false, "only show services without an owning team")

	rootCmd.AddCommand(fleetCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(requestCmd)
}

func queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "List live fleet instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		service, _ := cmd.Flags().GetString("service")
		ctx, cancel := queryContext()
		defer cancel()

		entries, err := client.New(serverAddr).ListFleet(ctx, service)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tINSTANCE\tHOST\tVERSION\tLAST SEEN\tMISSES")
		for _, e := range entries {
			host, version := "-", "-"
			if e.LastPayload != nil {
				host = fmt.Sprintf("%s:%d", e.LastPayload.Host, e.LastPayload.Port)
				version = e.LastPayload.Version
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				e.ServiceName, e.InstanceID, host, version,
				e.LastSeen.Format(time.RFC3339), e.ConsecutiveMisses)
		}
		return w.Flush()
	},
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List registered application services",
	RunE: func(cmd *cobra.Command, args []string) error {
		orphans, _ := cmd.Flags().GetBool("orphans")
		ctx, cancel := queryContext()
		defer cancel()

		services, err := client.New(serverAddr).ListServices(ctx, orphans)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tOWNER\tLIFECYCLE\tVERSION")
		for _, s := range services {
			owner := s.OwnerTeamID
			if owner == "" {
				owner = "(orphan)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.DisplayName, owner, s.Lifecycle, s.Version)
		}
		return w.Flush()
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <id>",
	Short: "Show an approval request and its gate progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := queryContext()
		defer cancel()

		req, err := client.New(serverAddr).GetApprovalRequest(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Request:   %s\n", req.ID)
		fmt.Printf("Type:      %s\n", req.RequestType)
		fmt.Printf("Status:    %s\n", req.Status)
		fmt.Printf("Requester: %s\n", req.RequesterUserID)
		fmt.Println("Gates:")
		for _, gate := range req.Required {
			fmt.Printf("  %s\t%d/%d\n", gate.Gate, req.Counts[gate.Gate], gate.MinApprovals)
		}
		return nil
	},
}
