// -- cmd/serve.go --
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/agent"
	"github.com/vibesdk/vibesdk/internal/appservice"
	"github.com/vibesdk/vibesdk/internal/llmclient"
	"github.com/vibesdk/vibesdk/internal/observability"
	"github.com/vibesdk/vibesdk/internal/operations"
	"github.com/vibesdk/vibesdk/internal/ratelimit"
	"github.com/vibesdk/vibesdk/internal/screenshot"
	"github.com/vibesdk/vibesdk/internal/server"
	"github.com/vibesdk/vibesdk/internal/templates"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket service",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		llm, err := llmclient.NewClient(cfg.LLM, logger)
		if err != nil {
			return err
		}
		ops := operations.NewRegistry(llm, logger)
		catalog := templates.NewCatalog(cfg.Templates.Dir, cfg.Templates.Default, logger)

		var apps schemas.AppService
		if cfg.Database.AppDSN != "" {
			svc, err := appservice.Connect(ctx, cfg.Database.AppDSN, logger)
			if err != nil {
				return err
			}
			apps = svc
		} else {
			logger.Warn("No application database configured; app records disabled")
		}

		agents := agent.NewManager(cfg, ops, catalog, apps, logger)
		limiter := ratelimit.NewStore(ratelimit.NewMemoryKV(), logger)
		screenshots := screenshot.NewService(cfg.Screenshot, apps, logger)

		srv := server.New(cfg, agents, limiter, apps, screenshots, logger)
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("Server stopped with error", zap.Error(err))
			return err
		}
		logger.Info("Server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
