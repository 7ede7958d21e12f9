package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions, wire wireFunc) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			conv, err := a.Store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			turns, err := a.Store.RecentHistory(ctx, conv.ID, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "conversation: %s\n", conv.ID)
			_, _ = fmt.Fprintf(out, "profile: %s\n", conv.ProfileID)
			_, _ = fmt.Fprintf(out, "turns: %d\n", conv.TurnCount)
			for _, t := range turns {
				_, _ = fmt.Fprintf(out, "%4d %-9s %s\n", t.Seq, t.Role, t.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of turns to print")
	return cmd
}
