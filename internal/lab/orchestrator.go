// Package lab composes the registry, overlay store, port allocator, process
// controller and console gateway into the instance lifecycle.
package lab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/armon/go-metrics"

	"github.com/javanstorm/nodelab/internal/config"
	"github.com/javanstorm/nodelab/internal/guacamole"
	"github.com/javanstorm/nodelab/internal/netalloc"
	"github.com/javanstorm/nodelab/internal/vm"
	"github.com/javanstorm/nodelab/pkg/hypervisor"
)

// Overlays creates and resets instance disks.
type Overlays interface {
	Create(ctx context.Context, name string, kind vm.Kind) (string, error)
	Wipe(ctx context.Context, path string, kind vm.Kind) error
	Verify(path string) error
}

// Interfaces ensures host TAP devices.
type Interfaces interface {
	EnsureInterface(name string) error
}

// Gateway mirrors consoles into the remote console gateway.
type Gateway interface {
	SyncConnection(ctx context.Context, name, host string, port int, proto guacamole.Protocol) (string, error)
	DeleteConnection(ctx context.Context, name string) error
}

// Options are the policy knobs of an Orchestrator.
type Options struct {
	MemoryMB          int
	EnableKVM         bool
	VNCPortBase       int
	SSHPortBase       int
	RouterTelnetPort  int
	SubnetPrefix      string
	NodeAddressOffset int
	RouterAddress     string
	ConsoleHost       string
	ConsoleBaseURL    string
	LaunchTimeout     time.Duration
	StopTimeout       time.Duration
	GatewayTimeout    time.Duration
	HaltOnFailure     bool
	CleanupOnStart    bool
}

// OptionsFromConfig maps configuration onto orchestrator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MemoryMB:          cfg.MemoryMB,
		EnableKVM:         cfg.EnableKVM,
		VNCPortBase:       cfg.VNCPortBase,
		SSHPortBase:       cfg.SSHPortBase,
		RouterTelnetPort:  cfg.RouterTelnetPort,
		SubnetPrefix:      cfg.SubnetPrefix,
		NodeAddressOffset: cfg.NodeAddressOffset,
		RouterAddress:     cfg.RouterAddress,
		ConsoleHost:       cfg.ConsoleHost,
		ConsoleBaseURL:    cfg.ConsoleBaseURL,
		LaunchTimeout:     cfg.LaunchTimeout,
		StopTimeout:       cfg.StopTimeout,
		GatewayTimeout:    cfg.GatewayTimeout,
		HaltOnFailure:     cfg.HaltOnFailure,
		CleanupOnStart:    cfg.CleanupOnStart,
	}
}

// Deps are the collaborators of an Orchestrator. Gateway may be nil, in
// which case consoles are not published.
type Deps struct {
	Registry   *vm.Registry
	Processes  hypervisor.Controller
	Overlays   Overlays
	Allocator  *netalloc.Allocator
	Interfaces Interfaces
	Gateway    Gateway
	Metrics    *metrics.Metrics
}

// Orchestrator runs lifecycle operations. Operations on one instance are
// serialized; operations on different instances run concurrently.
type Orchestrator struct {
	opts     Options
	registry *vm.Registry
	procs    hypervisor.Controller
	overlays Overlays
	alloc    *netalloc.Allocator
	ifaces   Interfaces
	gateway  Gateway
	metrics  *metrics.Metrics

	locks *keyedMutex

	// createMu serializes name allocation with the single-router check.
	createMu sync.Mutex
}

// New creates an Orchestrator.
func New(opts Options, deps Deps) *Orchestrator {
	m := deps.Metrics
	if m == nil {
		conf := metrics.DefaultConfig("nodelab")
		conf.EnableHostname = false
		conf.EnableRuntimeMetrics = false
		m, _ = metrics.New(conf, &metrics.BlackholeSink{})
	}
	if deps.Allocator != nil {
		deps.Allocator.Exclude(opts.RouterTelnetPort)
	}
	return &Orchestrator{
		opts:     opts,
		registry: deps.Registry,
		procs:    deps.Processes,
		overlays: deps.Overlays,
		alloc:    deps.Allocator,
		ifaces:   deps.Interfaces,
		gateway:  deps.Gateway,
		metrics:  m,
		locks:    newKeyedMutex(),
	}
}

// Hypervisor describes the process backend instances run on.
func (o *Orchestrator) Hypervisor() hypervisor.Info {
	return o.procs.Info()
}

func (o *Orchestrator) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.IncrCounter([]string{"op", op, outcome}, 1)
	o.metrics.MeasureSince([]string{"op", op}, start)
}

// consoleURL builds the console link for a running instance.
func (o *Orchestrator) consoleURL(inst *vm.Instance) string {
	if !inst.Running() || inst.ConsoleRef == "" {
		return ""
	}
	return o.opts.ConsoleBaseURL + inst.ConsoleRef
}

func (o *Orchestrator) get(op, name string) (*vm.Instance, error) {
	inst, err := o.registry.Get(name)
	if err != nil {
		if errors.Is(err, vm.ErrNotFound) {
			return nil, newError(KindNotFound, op, name, err)
		}
		return nil, newError(KindInternal, op, name, err)
	}
	return inst, nil
}

func (o *Orchestrator) view(inst *vm.Instance) *InstanceView {
	return &InstanceView{Instance: *inst, ConsoleURL: o.consoleURL(inst)}
}

// RequireRunning returns the named instance if its process is alive.
func (o *Orchestrator) RequireRunning(ctx context.Context, name string) (*InstanceView, error) {
	inst, err := o.get("connect", name)
	if err != nil {
		return nil, err
	}
	running, err := o.procs.IsRunning(name)
	if err != nil {
		return nil, newError(KindInternal, "connect", name, err)
	}
	if !running {
		return nil, newError(KindAlreadyStopped, "connect", name, nil)
	}
	return o.view(inst), nil
}
