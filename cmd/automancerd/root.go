package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/TablewareBox/automancer/internal/frontend"
	"github.com/TablewareBox/automancer/internal/hostconfig"
	"github.com/TablewareBox/automancer/internal/logging"
	"github.com/TablewareBox/automancer/internal/master"

	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	var dataDir string
	var port string
	var debug bool

	cmd := &cobra.Command{
		Use:   "automancerd",
		Short: "Protocol execution host",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			setup, err := hostconfig.LoadSetup(dataDir)
			if err != nil {
				return fmt.Errorf("load setup: %w", err)
			}

			models, err := hostconfig.LoadModels(dataDir)
			if err != nil {
				return fmt.Errorf("load models: %w", err)
			}
			slog.Info("host ready", "id", setup.ID, "name", setup.Name, "models", len(models))

			addr := "127.0.0.1:" + port
			m := master.New(nil)
			host := master.NewHost(m)
			srv := frontend.New(addr, m, host)
			srv.Host = host

			slog.Info("frontend listening", "addr", addr)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&dataDir, "data-dir", hostconfig.DefaultDataDir(), "host data directory")
	cmd.Flags().StringVar(&port, "port", "4567", "client protocol listen port")
	cmd.AddCommand(statusCmd(&port))
	return cmd
}
