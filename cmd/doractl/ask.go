package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ask-dora/internal/domain"
	"ask-dora/internal/usecase"
)

func newAskCmd(opts *rootOptions, wire wireFunc) *cobra.Command {
	var (
		profileID      string
		conversationID string
		childName      string
		age            int
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask Dora a question",
		Long:  "Ask Dora a question. Without --conversation a new conversation is started and its greeting printed first.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			hints := domain.Hints{ChildName: childName, Age: age}
			out := cmd.OutOrStdout()

			if conversationID == "" {
				start, err := a.Pipeline.StartConversation(ctx, usecase.StartInput{ProfileID: profileID, OwnerID: profileID, Hints: hints})
				if err != nil {
					return err
				}
				conversationID = start.ConversationID
				_, _ = fmt.Fprintf(out, "conversation: %s\n", conversationID)
				_, _ = fmt.Fprintf(out, "dora: %s\n", start.Greeting)
			}

			res, err := a.Pipeline.Handle(ctx, usecase.HandleInput{
				ProfileID:      profileID,
				ConversationID: conversationID,
				Question:       strings.Join(args, " "),
				Hints:          hints,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "dora (%s): %s\n", res.Source, res.Reply)
			if res.AudioRef != "" {
				_, _ = fmt.Fprintf(out, "audio: %s\n", res.AudioRef)
			}
			_, _ = fmt.Fprintf(out, "remaining: %d\n", res.RateLimitRemaining)
			return nil
		},
	}
	cmd.Flags().StringVar(&profileID, "profile", "local", "profile ID of the child")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVar(&childName, "name", "", "child's name")
	cmd.Flags().IntVar(&age, "age", 0, "child's age")
	return cmd
}
