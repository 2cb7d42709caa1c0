package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"steward/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "steward",
		Short: "Personal assistant daemon: memory, tasks, routed backends and scheduled jobs",
		Long: `steward keeps durable memory and a task list, routes prompts to the
healthiest backend, learns from past interactions and runs scheduled jobs
(daily update, learning analysis, health check, self assessment, memory
cleanup).

Run "steward run" to start the daemon; the other commands operate on the
same store directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config (.json, .yaml or .yml)")

	root.AddCommand(
		newRunCmd(opts),
		newStatusCmd(opts),
		newUpdateCmd(opts),
		newJobCmd(opts),
		newRemindCmd(opts),
		newTaskCmd(opts),
		newMemoryCmd(opts),
		newAskCmd(opts),
	)
	return root
}

// withApp builds the app for a one-shot command and always stops it.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.NewApp(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.WithoutCancel(ctx), app.StopCommand) }()
	return fn(ctx, a)
}
