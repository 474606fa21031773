package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdfharvest/internal/browser"
	"github.com/xkilldash9x/pdfharvest/internal/config"
	"github.com/xkilldash9x/pdfharvest/internal/harvest"
	"github.com/xkilldash9x/pdfharvest/internal/observability"
	"github.com/xkilldash9x/pdfharvest/internal/progress"
	"github.com/xkilldash9x/pdfharvest/internal/server"
	"github.com/xkilldash9x/pdfharvest/internal/session"
)

// newServeCmd creates the `serve` command, which exposes the HTTP API.
func newServeCmd(v *viper.Viper) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP server that accepts harvest runs and streams their progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			srv, err := newServer(cfg, logger)
			if err != nil {
				return err
			}

			logger.Info("Serving pdfharvest",
				zap.String("listen_addr", cfg.Server.ListenAddr),
				zap.String("output_dir", cfg.Harvest.OutputDir))
			return srv.Start(cmd.Context())
		},
	}

	serveCmd.Flags().String("listen", "", "address to listen on (default 127.0.0.1:5000)")
	serveCmd.Flags().String("static-dir", "", "directory holding index.html for the web form")
	_ = v.BindPFlag("server.listen_addr", serveCmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("server.static_dir", serveCmd.Flags().Lookup("static-dir"))
	return serveCmd
}

// newServer wires one session context, orchestrator and HTTP server.
func newServer(cfg *config.Config, logger *zap.Logger) (*server.Server, error) {
	if err := os.MkdirAll(cfg.Harvest.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", cfg.Harvest.OutputDir, err)
	}

	orch, err := newOrchestrator(cfg, logger)
	if err != nil {
		return nil, err
	}
	return server.New(cfg.Server, orch, logger)
}

// newOrchestrator wires the progress channel, session context and browser
// launcher into an orchestrator.
func newOrchestrator(cfg *config.Config, logger *zap.Logger, opts ...harvest.Option) (*harvest.Orchestrator, error) {
	logs := progress.New(progress.WithCapacity(cfg.Harvest.LogBuffer))
	sess := session.New(logs, logger)
	launcher := browser.NewLauncher(cfg.Browser, logger)

	orch, err := harvest.New(cfg.Harvest, launcher, sess, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, nil
}
