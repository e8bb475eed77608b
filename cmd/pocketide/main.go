package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/justinmoon/pocketide/internal/config"
	"github.com/justinmoon/pocketide/internal/db"
	"github.com/justinmoon/pocketide/internal/logging"
	"github.com/justinmoon/pocketide/internal/server"
	"github.com/justinmoon/pocketide/internal/shell"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "pocketide",
		Short:         "Terminal session server for the browser IDE",
		Long:          "pocketide runs shells in pseudo-terminals and multiplexes them to browser and mobile clients over WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pocketide version %s\n", version)
		},
	}

	var serveHost string
	var servePort int
	var dataDir string
	var databaseURL string
	var workspacesRoot string
	var natsURL string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Override with flags if provided
			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}
			if serveHost != "" {
				cfg.Server.Host = serveHost
			}
			if servePort != 0 {
				cfg.Server.Port = servePort
			}
			if databaseURL != "" {
				cfg.Server.DatabaseURL = databaseURL
			}
			if workspacesRoot != "" {
				cfg.Workspace.Root = workspacesRoot
			}
			if natsURL != "" {
				cfg.Server.NatsURL = natsURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Development: cfg.Log.Development})
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			// A host without a shell cannot serve a single session.
			shellPath, err := shell.NewResolver(cfg.Terminal.Shell).Resolve()
			if err != nil {
				logger.Fatal("no usable shell", zap.Error(err))
			}

			if err := cfg.EnsureDataDir(); err != nil {
				return fmt.Errorf("failed to create data directories: %w", err)
			}

			var database *db.DB
			if cfg.Server.DatabaseURL != "" {
				database, err = db.Open(cfg.Server.DatabaseURL)
				if err != nil {
					return fmt.Errorf("failed to open database: %w", err)
				}
				defer database.Close()
			}

			logger.Info("starting pocketide",
				zap.String("version", version),
				zap.String("shell", shellPath),
				zap.String("data_dir", cfg.Server.DataDir),
				zap.String("workspaces", cfg.Workspace.Root),
				zap.Bool("database", database != nil),
				zap.Bool("nats", cfg.Server.NatsURL != ""))

			srv, err := server.New(cfg, database, logger)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			shutdownDone := make(chan struct{})
			go func() {
				defer close(shutdownDone)
				sig := <-sigCh
				logger.Info("shutting down", zap.String("signal", sig.String()))
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					logger.Warn("shutdown incomplete", zap.Error(err))
				}
			}()

			// Start server (blocks until shutdown)
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}

			// Wait for Shutdown to reap the shells.
			<-shutdownDone
			return nil
		},
	}

	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to bind (default from config)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default from config)")
	serveCmd.Flags().StringVar(&databaseURL, "database-url", "", "postgres URL for stored git credentials (optional)")
	serveCmd.Flags().StringVar(&workspacesRoot, "workspaces-root", "", "root of user workspaces (default <data-dir>/user-workspaces)")
	serveCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS URL for session events (optional)")

	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Print the shell new sessions will run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path, err := shell.NewResolver(cfg.Terminal.Shell).Resolve()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(newCredentialsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
