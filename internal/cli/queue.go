package cli

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// QueueCmd returns the queue command
func QueueCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the waiting queue",
	}

	cmd.AddCommand(queueListCmd(opts))
	cmd.AddCommand(queueDrainCmd(opts))

	return cmd
}

func queueListCmd(opts *globalOptions) *cobra.Command {
	var department string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued inquiries",
		Long: `List queued inquiries, oldest first.

Examples:
  omnictl queue list
  omnictl queue list --department sales --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			query := url.Values{}
			if department != "" {
				query.Set("department", department)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}

			var resp struct {
				Count     int             `json:"count"`
				Inquiries []types.Inquiry `json:"inquiries"`
			}
			if err := opts.client().do(ctx, "GET", "/api/inquiries/queued", query, nil, &resp); err != nil {
				return fmt.Errorf("failed to list queue: %w", err)
			}
			inquiries := resp.Inquiries

			out := cmd.OutOrStdout()
			if len(inquiries) == 0 {
				fmt.Fprintln(out, "No queued inquiries.")
				return nil
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tROOM\tDEPARTMENT\tVISITOR\tWAITING")
			fmt.Fprintln(w, "--\t----\t----------\t-------\t-------")
			for i := range inquiries {
				inq := &inquiries[i]
				dept := inq.Department
				if dept == "" {
					dept = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					inq.ID, inq.RoomID, dept, inq.Visitor.Token, waitLabel(inq.WaitTime(now)))
			}
			w.Flush()
			fmt.Fprintf(out, "\n%d inquiries queued\n", len(inquiries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&department, "department", "d", "", "Only show this department")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of inquiries")

	return cmd
}

func queueDrainCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one queue drain pass on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext()
			defer cancel()

			var resp struct {
				Promoted int `json:"promoted"`
			}
			if err := opts.client().do(ctx, "POST", "/api/admin/queue/drain", nil, nil, &resp); err != nil {
				return fmt.Errorf("failed to drain queue: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Drained queue: %d inquiries routed\n",
				color.New(color.FgGreen).Sprint("✓"), resp.Promoted)
			return nil
		},
	}
}

// waitLabel colors long waits
func waitLabel(d time.Duration) string {
	label := d.Truncate(time.Second).String()
	switch {
	case d >= 5*time.Minute:
		return color.New(color.FgRed).Sprint(label)
	case d >= time.Minute:
		return color.New(color.FgYellow).Sprint(label)
	}
	return label
}
