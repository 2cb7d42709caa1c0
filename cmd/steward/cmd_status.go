package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"steward/internal/app"
	"steward/internal/assistant"
	"steward/internal/model"
	"steward/internal/report"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show counts, the job table and backend health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				st, err := a.Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				return printStatus(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStatus(w io.Writer, st assistant.Status) error {
	now := st.GeneratedAt
	fmt.Fprintf(w, "memory items: %s\n", report.Count(st.MemoryItems))
	fmt.Fprintf(w, "interactions (24h): %s\n", report.Count(st.Interactions24h))
	fmt.Fprintf(w, "tasks: %d pending, %d in progress\n\n", st.PendingTasks, st.InProgressTasks)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tKIND\tSCHEDULE\tNEXT\tLAST\tSTATUS")
	for _, j := range st.Jobs {
		next := report.Ago(j.NextRunAt, now)
		switch {
		case j.Running:
			next = "running"
		case j.Paused:
			next = "paused"
		}
		status := string(j.LastStatus)
		if j.RetryPending {
			status += " (retry pending)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, orDash(j.Schedule), next, report.Ago(j.LastRunAt, now), orDash(status))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tCIRCUIT\tFAILURES\tLAST SUCCESS\tHINT")
	for _, b := range st.Backends {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%+.2f\n", b.BackendID, b.CircuitState, b.ConsecutiveFailures, report.Ago(b.LastSuccessAt, now), st.Hints[b.BackendID])
	}
	return tw.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func newUpdateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Run the daily update now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd, opts, "daily_update")
		},
	}
}

func newJobCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect or trigger scheduled jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <job-id>",
		Short: "Run one job now, outside its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, opts, args[0])
		},
	})
	return cmd
}

func runJob(cmd *cobra.Command, opts *rootOptions, id string) error {
	return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
		j, err := a.Scheduler().RunNow(ctx, id)
		if err != nil {
			return fmt.Errorf("job %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, next run %s\n", j.ID, j.LastStatus, j.NextRunAt.Local().Format(time.DateTime))
		return nil
	})
}

func newRemindCmd(opts *rootOptions) *cobra.Command {
	var (
		at   string
		in   time.Duration
		kind string
	)
	cmd := &cobra.Command{
		Use:   "remind <job-id>",
		Short: "Schedule a one-shot job",
		Long: `Schedules a job of the given kind to run once, either at an absolute
time (--at, RFC 3339 or "2006-01-02 15:04" local) or after a delay (--in).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := model.ParseJobKind(kind)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				when, err := parseWhen(at, in, time.Now())
				if err != nil {
					return err
				}
				j, err := a.Scheduler().AddOnce(ctx, args[0], k, when)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) scheduled for %s\n", j.ID, j.Kind, j.NextRunAt.Local().Format(time.DateTime))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "run time")
	cmd.Flags().DurationVar(&in, "in", 0, "run after this delay")
	cmd.Flags().StringVar(&kind, "kind", string(model.JobDailyUpdate), "job kind")
	return cmd
}

func parseWhen(at string, in time.Duration, now time.Time) (time.Time, error) {
	at = strings.TrimSpace(at)
	switch {
	case at != "" && in > 0:
		return time.Time{}, fmt.Errorf("use either --at or --in")
	case in > 0:
		return now.Add(in), nil
	case at == "":
		return time.Time{}, fmt.Errorf("--at or --in is required")
	}
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", at, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q", at)
	}
	return t, nil
}
