package main

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"dossier/internal/logging"
	mcpserver "dossier/internal/mcp"
	"dossier/pkg/pipeline"
)

func newServeCmd() *cobra.Command {
	var flags struct {
		live        bool
		journal     string
		metricsAddr string
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		Long: `Starts an MCP server over stdin/stdout exposing start_run, run_status,
get_result, cancel_run, get_events, list_runs and list_stages.

The server watches its parent process and exits when the client goes away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			events := mcpserver.NewEventLog(0)
			rt, err := newRuntime(ctx, runtimeOptions{
				live:        flags.live,
				journalPath: flags.journal,
				metricsAddr: flags.metricsAddr,
				observers:   []pipeline.Observer{events},
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			srv := mcpserver.NewServer(rt.engine, events, version)
			defer srv.Shutdown()

			mcpserver.WatchParent(ctx, cancel)
			logging.New("mcp").Info("starting dossier MCP server over stdio", "live", flags.live)
			return srv.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&flags.live, "live", false, "Use the Gemini and Perplexity services configured in the environment")
	f.StringVar(&flags.journal, "journal", "", "Record runs in a sqlite journal at this path")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}
