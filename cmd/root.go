package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/epcalc/epcalc/server"
)

var (
	// CLI flags shared across subcommands
	configPath string // optional YAML config file
	logLevel   string // log verbosity level
	dbPath     string // storage file override; "memory" selects the ephemeral backend
	listenAddr string // HTTP listen address override
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "epcalc",
	Short: "HTTP service computing error exponents and related channel metrics",
}

// loadConfig builds the effective configuration from the shared flags.
func loadConfig() (server.Config, error) {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	if listenAddr != "" {
		cfg.HTTP.Addr = listenAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	cfg.ConfigureLogging()
	return cfg, nil
}

// serveCmd runs the HTTP service until SIGINT/SIGTERM
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the compute API",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			logrus.Fatalf("configuration: %v", err)
		}

		app, err := server.NewApp(cfg)
		if err != nil {
			logrus.Fatalf("startup: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := app.Run(ctx); err != nil {
			logrus.Fatalf("serve: %v", err)
		}
		logrus.Info("Shutdown complete.")
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Storage file path (\"memory\" for ephemeral)")

	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides config)")

	rootCmd.AddCommand(serveCmd)
}
