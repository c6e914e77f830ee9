package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cumulus/internal/config"
	"cumulus/internal/control"
	"cumulus/internal/logging"
	"cumulus/internal/router"
	"cumulus/internal/supervisor"
	"cumulus/internal/thread"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent host and local control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.LogsDir(), cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		defer logging.CloseAll()

		threads := thread.NewManager(cfg.Home)
		defer threads.Close()

		sup := supervisor.New(threads, cfg.Supervisor)
		agents := router.New(sup)

		srv := control.NewServer(agents)
		if err := srv.Start(cfg.Control.Port, cfg.Control.MaxPortAttempts); err != nil {
			return err
		}
		// Threads opened from here on embed the real base URL in their tool
		// configs.
		threads.SetBaseURL(srv.BaseURL())

		logging.Boot("cumulus %s serving on %s (home %s)", version, srv.BaseURL(), cfg.Home)
		fmt.Printf("cumulus listening on %s\n", srv.BaseURL())

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve() }()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sig:
			fmt.Println("shutting down")
			return srv.Close()
		}
	},
}
