// -- cmd/root.go --
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/internal/config"
	"github.com/vibesdk/vibesdk/internal/observability"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vibesdk",
	Short:   "Vibesdk is an AI-driven code generation service.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			// Initialize a fallback logger so the error is at least visible.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "vibesdk"})
			return err
		}
		cfg = loaded
		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("Starting vibesdk", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
