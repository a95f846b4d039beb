package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/javanstorm/nodelab/internal/api"
	"github.com/javanstorm/nodelab/internal/config"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the management API",
	Long: `Reconcile the inventory with the running QEMU processes and serve the
HTTP management API until interrupted.

With cleanup_on_start set, leftover QEMU processes are terminated and every
instance starts out stopped.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "listen address (overrides listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Global
	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	info := a.lab.Hypervisor()
	log.WithFields(log.Fields{
		"backend": info.Name,
		"binary":  info.Binary,
		"arch":    info.Arch,
	}).Info("hypervisor ready")

	if gatewayDisabled(cfg) {
		log.Warn("console gateway disabled; consoles will not be published")
	} else if err := a.gateway.Ping(context.Background()); err != nil {
		log.WithField("error", err).Warn("console gateway unreachable; runs will report sync warnings")
	}

	rec, err := a.lab.Reconcile(context.Background())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	log.WithFields(log.Fields{
		"running":   len(rec.Running),
		"corrected": len(rec.Corrected),
		"killed":    len(rec.Killed),
	}).Info("inventory reconciled")

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := api.NewServer(addr, a.lab, a.sink, cfg.CORSOrigin)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
