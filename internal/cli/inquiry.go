package cli

import (
	"fmt"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/spf13/cobra"
)

// InquiryCmd returns the inquiry command
func InquiryCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inquiry",
		Short: "Act on a single inquiry",
	}

	cmd.AddCommand(inquiryRequeueCmd(opts))
	cmd.AddCommand(inquiryTakeCmd(opts))

	return cmd
}

func inquiryRequeueCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue [inquiry-id]",
		Short: "Route a queued inquiry again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			var room types.Room
			if err := opts.client().do(ctx, "POST", "/api/inquiries/"+args[0]+"/requeue", nil, nil, &room); err != nil {
				return fmt.Errorf("failed to requeue inquiry: %w", err)
			}

			printRoom(cmd.OutOrStdout(), "Requeued inquiry "+args[0], &room)
			return nil
		},
	}
}

func inquiryTakeCmd(opts *globalOptions) *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "take [inquiry-id]",
		Short: "Assign a queued inquiry to an agent",
		Long: `Assign a queued inquiry to an agent. The agent must be online and serve the
inquiry's department.

Examples:
  omnictl inquiry take 6c1f... --agent agent-7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			body := map[string]string{"agentId": agentID}
			var room types.Room
			if err := opts.client().do(ctx, "POST", "/api/inquiries/"+args[0]+"/take", nil, body, &room); err != nil {
				return fmt.Errorf("failed to take inquiry: %w", err)
			}

			printRoom(cmd.OutOrStdout(), "Assigned inquiry "+args[0], &room)
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "Agent ID (required)")
	cmd.MarkFlagRequired("agent")

	return cmd
}
