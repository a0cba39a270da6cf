package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// requestTimeout bounds a single CLI command
const requestTimeout = 30 * time.Second

type globalOptions struct {
	server string
	token  string
}

func (o *globalOptions) client() *Client {
	return NewClient(o.server, o.token)
}

func newContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// RootCmd returns the omnictl root command with every subcommand attached
func RootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "omnictl",
		Short: "Operate the omnichannel routing server",
		Long: `omnictl inspects and manages the omnichannel queue through the server REST API.

The server address and bearer token default to OMNI_SERVER and OMNI_TOKEN.`,
		SilenceUsage: true,
	}

	server := os.Getenv("OMNI_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "Server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("OMNI_TOKEN"), "Bearer token")

	cmd.AddCommand(QueueCmd(opts))
	cmd.AddCommand(InquiryCmd(opts))
	cmd.AddCommand(RoomCmd(opts))

	return cmd
}
