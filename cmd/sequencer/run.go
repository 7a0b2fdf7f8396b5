package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rollup-sequencer/internal/app"
	"rollup-sequencer/internal/config"
	"rollup-sequencer/internal/db"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sequencer",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		logLevel, _ := cmd.Flags().GetString("log-level")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		return run(configPath, logLevel, jsonLogs)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "Path to config file (default config.yaml, or config.local.yaml if present)")
	runCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().Bool("json-logs", false, "Emit logs as JSON")
}

func newLogger(level string, jsonLogs bool) (*logrus.Logger, error) {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	if jsonLogs {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	logger.SetOutput(os.Stdout)
	return logger, nil
}

func run(configPath, logLevel string, jsonLogs bool) error {
	logger, err := newLogger(logLevel, jsonLogs)
	if err != nil {
		return err
	}

	if err := config.LoadConfig(configPath); err != nil {
		return err
	}
	cfg := config.AppConfig

	db.InitDB()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	container, err := app.NewServiceContainer(ctx, cfg, db.DB, logger)
	if err != nil {
		return err
	}
	if err := container.Start(ctx); err != nil {
		container.Shutdown(context.Background())
		return err
	}
	logger.Info("🚀 Sequencer started")

	<-ctx.Done()
	logger.Info("🛑 Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	container.Shutdown(shutdownCtx)

	logger.Info("👋 Sequencer stopped")
	return nil
}
