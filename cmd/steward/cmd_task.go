package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"steward/internal/app"
	"steward/internal/model"
	"steward/internal/tasks"
)

func newTaskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(newTaskCreateCmd(opts), newTaskListCmd(opts), newTaskMoveCmd(opts))
	return cmd
}

func newTaskCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		priority string
		due      string
	)
	cmd := &cobra.Command{
		Use:   "create <title...>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := model.ParsePriority(priority)
			if err != nil {
				return err
			}
			var copts []tasks.CreateOption
			if strings.TrimSpace(due) != "" {
				t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(due), time.Local)
				if err != nil {
					return fmt.Errorf("invalid --due %q (want YYYY-MM-DD)", due)
				}
				copts = append(copts, tasks.WithDueAt(t))
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks().Create(ctx, strings.Join(args, " "), prio, model.OriginUser, copts...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s [%s] %s\n", t.ID, t.Priority, t.Title)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "NORMAL", "LOW, NORMAL, HIGH or URGENT")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	return cmd
}

func newTaskListCmd(opts *rootOptions) *cobra.Command {
	var (
		status   string
		priority string
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, open ones by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st model.TaskStatus
			if status != "" {
				s, err := model.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				st = s
			}
			var prioMin model.Priority
			if priority != "" {
				p, err := model.ParsePriority(priority)
				if err != nil {
					return err
				}
				prioMin = p
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				list, err := a.Tasks().List(ctx, st, prioMin)
				if err != nil {
					return err
				}
				if st == "" && !all {
					list = openOnly(list)
				}
				return printTasks(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "only this status")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "minimum priority")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include done and cancelled tasks")
	return cmd
}

func openOnly(in []model.Task) []model.Task {
	out := in[:0]
	for _, t := range in {
		if t.Status.Open() {
			out = append(out, t)
		}
	}
	return out
}

func printTasks(w io.Writer, list []model.Task) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no tasks")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tSTATUS\tDUE\tORIGIN\tTITLE")
	for _, t := range list {
		due := "-"
		if t.DueAt != nil {
			due = t.DueAt.Local().Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Priority, t.Status, due, t.Origin, t.Title)
	}
	return tw.Flush()
}

func newTaskMoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id> <status>",
		Short: "Move a task to IN_PROGRESS, DONE or CANCELLED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := model.ParseTaskStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks().Transition(ctx, args[0], to)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", t.ID, t.Status)
				return nil
			})
		},
	}
}
