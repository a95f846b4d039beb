package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/armon/go-metrics"

	"github.com/javanstorm/nodelab/internal/config"
	"github.com/javanstorm/nodelab/internal/guacamole"
	"github.com/javanstorm/nodelab/internal/lab"
	"github.com/javanstorm/nodelab/internal/netalloc"
	"github.com/javanstorm/nodelab/internal/vm"
	"github.com/javanstorm/nodelab/pkg/hypervisor"
)

// app holds the wired collaborators of one command invocation.
type app struct {
	cfg     *config.Config
	lab     *lab.Orchestrator
	gateway *guacamole.Store
	sink    *metrics.InmemSink
}

// gatewayDisabled reports whether console publishing is turned off.
func gatewayDisabled(cfg *config.Config) bool {
	return cfg.GatewayDriver == "" || cfg.GatewayDriver == "none"
}

// newApp wires an orchestrator from cfg. With withMetrics, operation metrics
// are kept in memory for the /metrics endpoint.
func newApp(cfg *config.Config, withMetrics bool) (*app, error) {
	problems := config.Validate(cfg)
	if config.HasFatal(problems) {
		return nil, fmt.Errorf("invalid configuration:\n%s", config.FormatValidationErrors(problems))
	}
	for _, p := range problems {
		fmt.Fprintf(os.Stderr, "Warning: %s: %s\n", p.Field, p.Message)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	procs, err := hypervisor.NewQEMU(hypervisor.QEMUOptions{
		Binary:      cfg.QEMUBinary,
		RunDir:      cfg.RunDir(),
		StopTimeout: cfg.StopTimeout,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	deps := lab.Deps{
		Registry:  vm.NewRegistry(cfg.RegistryPath()),
		Processes: procs,
		Overlays: vm.NewOverlayStore(cfg.OverlayDir, cfg.QEMUImgBinary, map[vm.Kind]string{
			vm.KindNode:   cfg.NodeImage,
			vm.KindRouter: cfg.RouterImage,
		}),
		Allocator:  netalloc.NewAllocator(cfg.PortRange, netalloc.ProbeTCP),
		Interfaces: netalloc.NewInterfaces(),
	}

	if withMetrics {
		a.sink = metrics.NewInmemSink(10*time.Second, time.Minute)
		conf := metrics.DefaultConfig("nodelab")
		conf.EnableHostname = false
		m, err := metrics.New(conf, a.sink)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		deps.Metrics = m
	}

	if !gatewayDisabled(cfg) {
		store, err := guacamole.Open(cfg.GatewayDriver, cfg.GatewayDSN, cfg.GatewayAdmin, cfg.GatewayTimeout)
		if err != nil {
			return nil, fmt.Errorf("open console gateway: %w", err)
		}
		a.gateway = store
		deps.Gateway = store
	}

	a.lab = lab.New(lab.OptionsFromConfig(cfg), deps)
	return a, nil
}

// Close releases the gateway connection pool.
func (a *app) Close() {
	if a.gateway != nil {
		a.gateway.Close()
	}
}

// withApp runs fn against an app built from the loaded configuration.
func withApp(fn func(a *app) error) error {
	a, err := newApp(config.Global, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
