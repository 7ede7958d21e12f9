package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWarmCmd(opts *rootOptions, wire wireFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Pre-synthesize the fixed greeting and apology phrases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wire(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			phrases := a.Greetings.WarmPhrases()
			select {
			case <-a.Warm(cmd.Context()):
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "warmed %d/%d phrases\n", a.Audio.Len(), len(phrases))
			return nil
		},
	}
}
