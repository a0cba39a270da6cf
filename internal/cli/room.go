package cli

import (
	"fmt"
	"io"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// RoomCmd returns the room command
func RoomCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "room",
		Short: "Manage conversation rooms",
	}

	cmd.AddCommand(roomUnarchiveCmd(opts))
	cmd.AddCommand(roomTransferCmd(opts))
	cmd.AddCommand(roomCloseCmd(opts))

	return cmd
}

func roomUnarchiveCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unarchive [room-id]",
		Short: "Reopen a closed room and queue it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			var resp struct {
				Room     types.Room `json:"room"`
				Reopened bool       `json:"reopened"`
				Reason   string     `json:"reason,omitempty"`
			}
			if err := opts.client().do(ctx, "POST", "/api/rooms/"+args[0]+"/unarchive", nil, nil, &resp); err != nil {
				return fmt.Errorf("failed to unarchive room: %w", err)
			}

			out := cmd.OutOrStdout()
			if !resp.Reopened {
				fmt.Fprintf(out, "%s Room %s not reopened: %s\n",
					color.New(color.FgYellow).Sprint("!"), args[0], resp.Reason)
				return nil
			}
			printRoom(out, "Reopened room "+args[0], &resp.Room)
			return nil
		},
	}
}

func roomTransferCmd(opts *globalOptions) *cobra.Command {
	var department string

	cmd := &cobra.Command{
		Use:   "transfer [room-id]",
		Short: "Move a served room to another agent",
		Long: `Move a served room to the next available agent, optionally in another department.

Examples:
  omnictl room transfer 3f2a...
  omnictl room transfer 3f2a... --department billing`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			var body interface{}
			if department != "" {
				body = map[string]string{"department": department}
			}
			var room types.Room
			if err := opts.client().do(ctx, "POST", "/api/rooms/"+args[0]+"/transfer", nil, body, &room); err != nil {
				return fmt.Errorf("failed to transfer room: %w", err)
			}

			printRoom(cmd.OutOrStdout(), "Transferred room "+args[0], &room)
			return nil
		},
	}

	cmd.Flags().StringVarP(&department, "department", "d", "", "Target department")

	return cmd
}

func roomCloseCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close [room-id]",
		Short: "Close a room and release its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			body := map[string]string{"closedBy": "operator"}
			var room types.Room
			if err := opts.client().do(ctx, "POST", "/api/rooms/"+args[0]+"/close", nil, body, &room); err != nil {
				return fmt.Errorf("failed to close room: %w", err)
			}

			printRoom(cmd.OutOrStdout(), "Closed room "+args[0], &room)
			return nil
		},
	}
}

func printRoom(out io.Writer, headline string, room *types.Room) {
	fmt.Fprintf(out, "%s %s\n", color.New(color.FgGreen).Sprint("✓"), headline)

	state := color.New(color.FgGreen).Sprint("open")
	if !room.Open {
		state = color.New(color.FgRed).Sprint("closed")
	}
	fmt.Fprintf(out, "  State: %s\n", state)
	if room.Department != "" {
		fmt.Fprintf(out, "  Department: %s\n", room.Department)
	}
	if room.ServedBy != nil {
		fmt.Fprintf(out, "  Agent: %s\n", room.ServedBy.AgentID)
	} else if room.Open {
		fmt.Fprintf(out, "  Agent: %s\n", color.New(color.FgYellow).Sprint("(waiting in queue)"))
	}
}
