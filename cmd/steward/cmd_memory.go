package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"steward/internal/app"
	"steward/internal/model"
	"steward/internal/storage"
)

func newMemoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Read and write durable memory",
	}
	cmd.AddCommand(newMemoryGetCmd(opts), newMemorySetCmd(opts), newMemoryListCmd(opts))
	return cmd
}

func newMemoryGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <category> <key>",
		Short: "Print one memory value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				e, err := a.Store().GetMemory(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("%s/%s: %w", args[0], args[1], err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(e.Value))
				return err
			})
		},
	}
}

func newMemorySetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <category> <key> <value...>",
		Short: "Store a value; non-JSON input is stored as a JSON string",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := encodeValue(strings.Join(args[2:], " "))
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				e, err := a.Store().PutMemory(ctx, model.MemoryEntry{Category: args[0], Key: args[1], Value: value})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s/%s\n", e.Category, e.Key)
				return nil
			})
		},
	}
}

func encodeValue(raw string) []byte {
	if json.Valid([]byte(raw)) {
		return []byte(raw)
	}
	b, _ := json.Marshal(raw)
	return b
}

func newMemoryListCmd(opts *rootOptions) *cobra.Command {
	var (
		prefix string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list [category]",
		Short: "List memory keys, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := storage.MemoryFilter{KeyPrefix: prefix, Newest: true, Limit: limit}
			if len(args) == 1 {
				f.Category = args[0]
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CATEGORY\tKEY\tUPDATED\tBYTES")
				for e, err := range a.Store().QueryMemory(ctx, f) {
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", e.Category, e.Key, e.UpdatedAt.Local().Format("2006-01-02 15:04"), len(e.Value))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	return cmd
}
