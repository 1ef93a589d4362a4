package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tokal-27/DropMe/pkg/api/client"
)

var (
	apiBase     string
	ingestToken string
)

func newClient() (*client.Client, error) {
	return client.New(apiBase, client.WithIngestToken(ingestToken))
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "dropmectl",
		Short:         "Operator CLI for the DropMe inference control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", os.Getenv("DROPME_API"), "control plane base URL")
	root.PersistentFlags().StringVar(&ingestToken, "token", os.Getenv("DROPME_INGEST_TOKEN"), "service token for machine endpoints")

	root.AddCommand(
		statusCmd(),
		driftCmd(),
		versionsCmd(),
		deployCmd(),
		cancelCmd(),
		rollbackCmd(),
		referenceCmd(),
		telemetryCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current deployment attempt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			attempt, err := cli.DeploymentStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(attempt)
		},
	}
}

func driftCmd() *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Show the current drift score and alert state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			if history > 0 {
				scores, err := cli.DriftHistory(cmd.Context(), history)
				if err != nil {
					return err
				}
				return printJSON(scores)
			}
			status, err := cli.Drift(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "show the last N persisted scores instead")
	return cmd
}

func versionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List registered model versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			versions, err := cli.Versions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(versions)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum versions to list")

	register := &cobra.Command{
		Use:   "register <version-id> <artifact-ref>",
		Short: "Register a freshly built version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			version, err := cli.RegisterVersion(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(version)
		},
	}
	current := &cobra.Command{
		Use:   "current",
		Short: "Show the promoted version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			version, err := cli.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(version)
		},
	}
	cmd.AddCommand(register, current)
	return cmd
}

func deployCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "deploy <version-id>",
		Short: "Start a staged rollout of a built version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			attempt, err := cli.Deploy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(attempt)
			}
			for {
				current, err := cli.DeploymentStatus(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "attempt %s: %s\n", current.ID, current.State)
				switch current.State {
				case "stable", "rollback_failed":
					return printJSON(current)
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(2 * time.Second):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the rollout reaches a terminal state")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Abort the in-flight rollout and roll back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			if err := cli.CancelDeployment(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("cancellation requested")
			return nil
		},
	}
}

func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback [version-id]",
		Short: "Roll the promoted version back to the last known good one, or to an explicit version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			attempt, err := cli.Rollback(cmd.Context(), target)
			if err != nil {
				return err
			}
			return printJSON(attempt)
		},
	}
}

func referenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reference",
		Short: "Manage the drift reference distribution",
	}
	capture := &cobra.Command{
		Use:   "capture",
		Short: "Re-baseline the reference from the live window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			ref, err := cli.CaptureReference(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(ref)
		},
	}
	cmd.AddCommand(capture)
	return cmd
}

func telemetryCmd() *cobra.Command {
	var (
		deviceID   string
		class      string
		confidence float64
		latencyMS  int
	)
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Interact with the telemetry ingest path",
	}
	send := &cobra.Command{
		Use:   "send",
		Short: "Send a test prediction record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			if err := cli.SendPrediction(cmd.Context(), deviceID, class, confidence, latencyMS); err != nil {
				return err
			}
			fmt.Println("prediction accepted")
			return nil
		},
	}
	send.Flags().StringVar(&deviceID, "device", "dropmectl", "reporting device id")
	send.Flags().StringVar(&class, "class", "", "predicted class")
	send.Flags().Float64Var(&confidence, "confidence", 0, "prediction confidence in [0,1]")
	send.Flags().IntVar(&latencyMS, "latency-ms", 0, "inference latency in milliseconds")
	_ = send.MarkFlagRequired("class")
	cmd.AddCommand(send)
	return cmd
}
