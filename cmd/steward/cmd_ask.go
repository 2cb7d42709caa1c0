package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"steward/internal/app"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "ask <prompt...>",
		Short: "Route a prompt to the best available backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				resp, err := a.Assistant().Ask(ctx, strings.Join(args, " "), tags...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, resp.Content)
				fmt.Fprintf(cmd.ErrOrStderr(), "(%s, score %.2f)\n", resp.BackendID, resp.Score)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "topic tags used for learning")
	return cmd
}
