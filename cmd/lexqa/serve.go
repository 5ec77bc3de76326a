package main

import (
	"github.com/spf13/cobra"

	"github.com/xhad/lexqa/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve answers over HTTP and WebSocket",
	Long: `Starts the HTTP server with POST /api/v1/answer, session history, health
and readiness endpoints, and a WebSocket endpoint at /ws. Stops gracefully on
SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, config, wireOptions{answering: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.pipeline.Ready(ctx); err != nil {
		logger.Warn().Err(err).Msg("dependencies not ready at startup")
	}

	if a.inMemory != nil {
		go a.inMemory.RunSweeper(ctx, config.Memory.SweepInterval, func(evicted int) {
			logger.Debug().Int("evicted", evicted).Int("sessions", a.inMemory.Sessions()).Msg("swept idle sessions")
		})
	}

	serverCfg := config.ServerConfig()
	if servePort != 0 {
		serverCfg.Port = servePort
	}
	return server.New(serverCfg, a.pipeline, logger).Run(ctx)
}
