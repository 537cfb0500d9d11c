package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fleetmaint/services/ctl"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operator CLI for the fleet maintenance control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "", "Base URL of the maintenance API (or FLEETMAINT_API)")

	cmd.AddCommand(newJobsCommand(&apiBase))
	cmd.AddCommand(newWindowsCommand(&apiBase))
	cmd.AddCommand(newTargetsCommand(&apiBase))
	cmd.AddCommand(newExecutorsCommand(&apiBase))
	return cmd
}

func newJobsCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Create and inspect maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newJobsCreateCommand(apiBase))
	cmd.AddCommand(newJobsListCommand(apiBase))
	cmd.AddCommand(newJobsGetCommand(apiBase))
	cmd.AddCommand(newJobsCancelCommand(apiBase))
	cmd.AddCommand(newJobsRetryCommand(apiBase))
	cmd.AddCommand(newJobsStaleCommand(apiBase))
	return cmd
}

func newJobsCreateCommand(apiBase *string) *cobra.Command {
	var (
		jobType         string
		cluster         string
		group           string
		servers         []string
		firmwareSource  string
		hypProfile      string
		minHealthy      int
		maxParallel     int
		backup          bool
		verify          bool
		continueOnFail  bool
		priority        int
		scheduleAt      string
		credentialRef   string
		acknowledgeFull bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a maintenance job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}

			target, err := buildTarget(cluster, group, servers)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			// A partial cluster selection needs explicit acknowledgement
			// before the control plane will accept a job for it.
			if acknowledgeFull {
				var ack struct {
					Target map[string]any `json:"target"`
				}
				err := client.Post(ctx, "/v1/targets/acknowledge", map[string]any{
					"target":       target,
					"cluster_name": cluster,
				}, &ack)
				if err != nil {
					return err
				}
				target = ack.Target
			}

			details := map[string]any{
				"backup_enabled":      backup,
				"min_healthy_hosts":   minHealthy,
				"max_parallel":        maxParallel,
				"verify_after_each":   verify,
				"continue_on_failure": continueOnFail,
			}
			if firmwareSource != "" {
				details["firmware_source"] = firmwareSource
			}
			if hypProfile != "" {
				details["hypervisor_profile_id"] = hypProfile
			}
			if credentialRef != "" {
				details["credential_reference"] = credentialRef
			}

			payload := map[string]any{
				"job_type": jobType,
				"target":   target,
				"details":  details,
				"priority": priority,
			}
			if scheduleAt != "" {
				at, err := time.Parse(time.RFC3339, scheduleAt)
				if err != nil {
					return fmt.Errorf("--schedule-at must be RFC3339: %w", err)
				}
				payload["schedule_at"] = at
			}

			var out map[string]any
			if err := client.Post(ctx, "/v1/jobs", payload, &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	}

	cmd.Flags().StringVar(&jobType, "type", "", "Job type (rolling_cluster_update, hypervisor_upgrade, hypervisor_then_firmware, ...)")
	cmd.Flags().StringVar(&cluster, "cluster", "", "Target a whole cluster by name")
	cmd.Flags().StringVar(&group, "group", "", "Target a server group by id")
	cmd.Flags().StringSliceVar(&servers, "server", nil, "Target explicit server ids (repeatable)")
	cmd.Flags().StringVar(&firmwareSource, "firmware-source", "", "Firmware catalog or repository path")
	cmd.Flags().StringVar(&hypProfile, "hypervisor-profile", "", "Hypervisor image profile id")
	cmd.Flags().IntVar(&minHealthy, "min-healthy", 1, "Minimum healthy hosts that must stay up")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 1, "Hosts updated concurrently")
	cmd.Flags().BoolVar(&backup, "backup", false, "Take a configuration backup before each host update")
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify each host after its update")
	cmd.Flags().BoolVar(&continueOnFail, "continue-on-failure", false, "Keep rolling after a host fails")
	cmd.Flags().IntVar(&priority, "priority", 0, "Claim priority (higher first)")
	cmd.Flags().StringVar(&scheduleAt, "schedule-at", "", "Earliest claim time (RFC3339)")
	cmd.Flags().StringVar(&credentialRef, "credential-ref", "", "Sealed credential reference")
	cmd.Flags().BoolVar(&acknowledgeFull, "acknowledge-expansion", false, "Accept expansion of a partial selection to the full cluster")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newJobsListCommand(apiBase *string) *cobra.Command {
	var status, jobType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}

			path := "/v1/jobs?status=" + status + "&job_type=" + jobType
			var out map[string]any
			if err := client.Get(cmd.Context(), path, &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&jobType, "type", "", "Filter by job type")
	return cmd
}

func newJobsGetCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job with its tasks and steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := map[string]any{}

			var job, tasks, steps map[string]any
			if err := client.Get(ctx, "/v1/jobs/"+id.String(), &job); err != nil {
				return err
			}
			if err := client.Get(ctx, "/v1/jobs/"+id.String()+"/tasks", &tasks); err != nil {
				return err
			}
			if err := client.Get(ctx, "/v1/jobs/"+id.String()+"/steps", &steps); err != nil {
				return err
			}
			out["job"] = job["job"]
			out["tasks"] = tasks["tasks"]
			out["steps"] = steps["steps"]
			return ctl.PrintJSON(out)
		},
	}
}

func newJobsCancelCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job and its tasks and children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Post(cmd.Context(), "/v1/jobs/"+args[0]+"/cancel", map[string]any{}, &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	}
}

func newJobsRetryCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Create a fresh job from a failed one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Post(cmd.Context(), "/v1/jobs/"+args[0]+"/retry", map[string]any{}, &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	}
}

func newJobsStaleCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stale",
		Short: "List pending jobs no executor has claimed in time",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Get(cmd.Context(), "/v1/jobs/stale", &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	}
}

func newWindowsCommand(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "windows",
		Short: "Manage maintenance windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List maintenance windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Get(cmd.Context(), "/v1/windows", &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "preview <window-id>",
		Short: "Show the next planned firing times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Get(cmd.Context(), "/v1/windows/"+args[0]+"/preview", &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "execute <window-id>",
		Short: "Fire a window now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Post(cmd.Context(), "/v1/windows/"+args[0]+"/execute", map[string]any{}, &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "skip <window-id>",
		Short: "Skip a planned window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Post(cmd.Context(), "/v1/windows/"+args[0]+"/skip", map[string]any{}, &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	})

	return cmd
}

func newTargetsCommand(apiBase *string) *cobra.Command {
	var (
		cluster    string
		group      string
		servers    []string
		minHealthy int
	)

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Resolve targets and evaluate safety",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a target scope to its host set",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			target, err := buildTarget(cluster, group, servers)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Post(cmd.Context(), "/v1/targets/resolve", map[string]any{"target": target}, &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	}

	safety := &cobra.Command{
		Use:   "safety",
		Short: "Evaluate the minimum-healthy-hosts gate for a target",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			target, err := buildTarget(cluster, group, servers)
			if err != nil {
				return err
			}
			var out map[string]any
			err = client.Post(cmd.Context(), "/v1/targets/safety", map[string]any{
				"target":            target,
				"min_healthy_hosts": minHealthy,
			}, &out)
			if err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	}
	safety.Flags().IntVar(&minHealthy, "min-healthy", 1, "Minimum healthy hosts")

	for _, sub := range []*cobra.Command{resolve, safety} {
		sub.Flags().StringVar(&cluster, "cluster", "", "Cluster name")
		sub.Flags().StringVar(&group, "group", "", "Server group id")
		sub.Flags().StringSliceVar(&servers, "server", nil, "Explicit server ids (repeatable)")
	}

	cmd.AddCommand(resolve, safety)
	return cmd
}

func newExecutorsCommand(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "executors",
		Short: "List known executors and their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctl.NewClient(*apiBase)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := client.Get(cmd.Context(), "/v1/dispatch/executors", &out); err != nil {
				return err
			}
			return ctl.PrintJSON(out)
		},
	}
}

// buildTarget assembles the target scope union from mutually exclusive
// flags.
func buildTarget(cluster, group string, servers []string) (map[string]any, error) {
	set := 0
	if cluster != "" {
		set++
	}
	if group != "" {
		set++
	}
	if len(servers) > 0 {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of --cluster, --group, or --server is required")
	}

	switch {
	case cluster != "":
		return map[string]any{"type": "cluster", "cluster_name": cluster}, nil
	case group != "":
		if _, err := uuid.Parse(group); err != nil {
			return nil, fmt.Errorf("--group: %w", err)
		}
		return map[string]any{"type": "group", "group_id": group}, nil
	default:
		for _, s := range servers {
			if _, err := uuid.Parse(s); err != nil {
				return nil, fmt.Errorf("--server %q: %w", s, err)
			}
		}
		return map[string]any{"type": "servers", "server_ids": servers}, nil
	}
}
