package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/vibetunnel/internal/app"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/lifecycle"
	"github.com/vibetunnel/vibetunnel/internal/logger"
)

func serveCmd() *cobra.Command {
	var f config.Flags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(f)
			return runServe(cfg)
		},
	}

	cmd.Flags().IntVar(&f.Port, "port", 0, "listen port (default 4020, or $PORT)")
	cmd.Flags().StringVar(&f.Bind, "bind", "", "listen address (default 0.0.0.0)")
	cmd.Flags().StringVar(&f.ControlDir, "control-dir", "", "control directory (default $VIBETUNNEL_CONTROL_DIR or ~/.vibetunnel/control)")
	cmd.Flags().StringVar(&f.HQURL, "hq", "", "HQ URL to register with (remote mode; requires --name)")
	cmd.Flags().StringVar(&f.HQAuth, "hq-token", "", "bearer token presented to --hq")
	cmd.Flags().StringVar(&f.RemoteName, "name", "", "this node's name when registering with --hq")
	cmd.Flags().BoolVar(&f.NoAuth, "no-auth", false, "disable request authentication")
	cmd.Flags().BoolVar(&f.Debug, "debug", false, "force debug logging")

	return cmd
}

func runServe(cfg config.Config) error {
	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	if err := a.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer a.Stop()

	logger.Info("vibetunneld listening", "addr", a.HTTPServer.Addr, "control_dir", cfg.ControlDir)

	ctx, stop := lifecycle.NotifyContext()
	defer stop()

	if err := a.Lifecycle.Run(ctx, a.HTTPServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
