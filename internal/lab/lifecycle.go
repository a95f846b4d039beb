package lab

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/javanstorm/nodelab/internal/guacamole"
	"github.com/javanstorm/nodelab/internal/netalloc"
	"github.com/javanstorm/nodelab/internal/timing"
	"github.com/javanstorm/nodelab/internal/vm"
	"github.com/javanstorm/nodelab/pkg/hypervisor"
)

// CreateNode registers a new stopped node with a fresh overlay.
func (o *Orchestrator) CreateNode(ctx context.Context) (inst *vm.Instance, err error) {
	defer func(start time.Time) { o.observe("create", start, err) }(time.Now())

	o.createMu.Lock()
	defer o.createMu.Unlock()
	return o.create(ctx, vm.KindNode)
}

// CreateRouter registers the router. Only one router may exist.
func (o *Orchestrator) CreateRouter(ctx context.Context) (inst *vm.Instance, err error) {
	defer func(start time.Time) { o.observe("create_router", start, err) }(time.Now())

	o.createMu.Lock()
	defer o.createMu.Unlock()

	routers, err := o.registry.FindByKind(vm.KindRouter)
	if err != nil {
		return nil, newError(KindInternal, "create", "", err)
	}
	if len(routers) > 0 {
		return nil, newError(KindAlreadyExists, "create", routers[0].Name,
			fmt.Errorf("router %s already exists", routers[0].Name))
	}
	return o.create(ctx, vm.KindRouter)
}

func (o *Orchestrator) create(ctx context.Context, kind vm.Kind) (*vm.Instance, error) {
	seq, err := o.registry.NextSeq()
	if err != nil {
		return nil, newError(KindInternal, "create", "", err)
	}
	name := vm.InstanceName(kind, seq)
	if seq > vm.MaxSeq {
		return nil, newError(KindResourceExhausted, "create", name,
			fmt.Errorf("sequence %d exceeds %d", seq, vm.MaxSeq))
	}

	address := o.opts.RouterAddress
	if kind == vm.KindNode {
		host := o.opts.NodeAddressOffset + seq
		if host > 254 {
			return nil, newError(KindResourceExhausted, "create", name,
				fmt.Errorf("no address left in %s.0/24", o.opts.SubnetPrefix))
		}
		address = fmt.Sprintf("%s.%d", o.opts.SubnetPrefix, host)
	}

	path, err := o.overlays.Create(ctx, name, kind)
	if err != nil {
		return nil, newError(KindOverlayCreateFailed, "create", name, err)
	}

	inst := vm.Instance{
		Name:        name,
		Kind:        kind,
		Seq:         seq,
		OverlayPath: path,
		Address:     address,
		Status:      vm.StatusStopped,
	}
	if err := o.registry.Add(inst); err != nil {
		if errors.Is(err, vm.ErrAlreadyExists) {
			return nil, newError(KindAlreadyExists, "create", name, err)
		}
		return nil, newError(KindInternal, "create", name, err)
	}

	log.WithFields(log.Fields{
		"name":    name,
		"kind":    kind,
		"address": address,
	}).Info("instance created")

	created, err := o.registry.Get(name)
	if err != nil {
		return nil, newError(KindInternal, "create", name, err)
	}
	return created, nil
}

// ensureOverlay checks the instance disk, recreating it from its base when
// missing or empty.
func (o *Orchestrator) ensureOverlay(ctx context.Context, inst *vm.Instance) error {
	verr := o.overlays.Verify(inst.OverlayPath)
	if verr == nil {
		return nil
	}

	log.WithFields(log.Fields{
		"name": inst.Name,
		"path": inst.OverlayPath,
	}).Warnf("overlay unusable, recreating: %v", verr)

	path, err := o.overlays.Create(ctx, inst.Name, inst.Kind)
	if err != nil {
		if errors.Is(verr, vm.ErrOverlayMissing) {
			return newError(KindOverlayMissing, "run", inst.Name, err)
		}
		return newError(KindOverlayCreateFailed, "run", inst.Name, err)
	}
	if path != inst.OverlayPath {
		if _, err := o.registry.Update(inst.Name, func(i *vm.Instance) error {
			i.OverlayPath = path
			return nil
		}); err != nil {
			return newError(KindInternal, "run", inst.Name, err)
		}
		inst.OverlayPath = path
	}
	return nil
}

// reservePorts takes the console port, the router telnet port or the node
// SSH forward. On failure nothing stays reserved.
func (o *Orchestrator) reservePorts(inst *vm.Instance) (vm.Ports, error) {
	var ports vm.Ports
	fail := func(err error) (vm.Ports, error) {
		o.alloc.Release(inst.Name)
		return vm.Ports{}, newError(KindResourceExhausted, "run", inst.Name, err)
	}

	vnc, err := o.alloc.Reserve(inst.Name, o.opts.VNCPortBase)
	if err != nil {
		return fail(err)
	}
	ports.VNC = vnc

	if inst.Kind == vm.KindRouter {
		if err := o.alloc.Claim(inst.Name, o.opts.RouterTelnetPort); err != nil {
			return fail(err)
		}
		ports.Telnet = o.opts.RouterTelnetPort
	} else {
		ssh, err := o.alloc.Reserve(inst.Name, o.opts.SSHPortBase)
		if err != nil {
			return fail(err)
		}
		ports.SSH = ssh
	}
	return ports, nil
}

func (o *Orchestrator) ensureInterfaces(inst *vm.Instance) ([]string, error) {
	taps := vm.TapNames(inst)
	for _, tap := range taps {
		if err := o.ifaces.EnsureInterface(tap); err != nil {
			if errors.Is(err, netalloc.ErrInterfaceName) {
				return nil, newError(KindInternal, "run", inst.Name, err)
			}
			return nil, newError(KindResourceExhausted, "run", inst.Name, err)
		}
	}
	return taps, nil
}

func (o *Orchestrator) launchConfig(inst *vm.Instance, ports vm.Ports, taps []string) *hypervisor.LaunchConfig {
	role := hypervisor.RoleNode
	if inst.Kind == vm.KindRouter {
		role = hypervisor.RoleRouter
	}
	return &hypervisor.LaunchConfig{
		Name:       inst.Name,
		Role:       role,
		DiskPath:   inst.OverlayPath,
		MemoryMB:   o.opts.MemoryMB,
		EnableKVM:  o.opts.EnableKVM,
		Taps:       taps,
		VNCPort:    ports.VNC,
		TelnetPort: ports.Telnet,
		SSHPort:    ports.SSH,
	}
}

// withTimeout bounds ctx when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// consolePort is the port the gateway connects to for inst.
func consolePort(inst *vm.Instance, ports vm.Ports) int {
	if inst.Kind == vm.KindRouter {
		return ports.Telnet
	}
	return ports.VNC
}

// Run starts a stopped instance and publishes its console. A running
// instance yields AlreadyRunning and is left untouched.
func (o *Orchestrator) Run(ctx context.Context, name string) (res *RunResult, err error) {
	defer func(start time.Time) { o.observe("run", start, err) }(time.Now())

	unlock := o.locks.Lock(name)
	defer unlock()

	timer := timing.New("run")

	inst, err := o.get("run", name)
	if err != nil {
		return nil, err
	}

	running, err := o.procs.IsRunning(name)
	if err != nil {
		return nil, newError(KindInternal, "run", name, err)
	}
	if running {
		if !inst.Running() {
			if _, err := o.registry.SetStatus(name, vm.StatusRunning); err != nil {
				log.WithField("name", name).Warnf("status correction failed: %v", err)
			}
		}
		return nil, newError(KindAlreadyRunning, "run", name, nil)
	}

	if err := o.ensureOverlay(ctx, inst); err != nil {
		return nil, err
	}
	timer.Mark("overlay")

	ports, err := o.reservePorts(inst)
	if err != nil {
		return nil, err
	}
	timer.Mark("ports")

	taps, err := o.ensureInterfaces(inst)
	if err != nil {
		o.alloc.Release(name)
		return nil, err
	}
	timer.Mark("interfaces")

	launchCtx, cancel := withTimeout(ctx, o.opts.LaunchTimeout)
	handle, err := o.procs.Start(launchCtx, o.launchConfig(inst, ports, taps))
	cancel()
	if err != nil {
		o.alloc.Release(name)
		if errors.Is(err, hypervisor.ErrAlreadyRunning) {
			return nil, newError(KindAlreadyRunning, "run", name, err)
		}
		return nil, newError(KindProcessLaunchFailed, "run", name, err)
	}
	o.alloc.Commit(name)
	timer.Mark("launch")

	updated, err := o.registry.Update(name, func(i *vm.Instance) error {
		i.Status = vm.StatusRunning
		i.Ports = ports
		return nil
	})
	if err != nil {
		// The process must not outlive a record that says stopped.
		stopCtx, cancel := withTimeout(context.Background(), o.opts.StopTimeout)
		o.procs.Stop(stopCtx, name)
		cancel()
		o.alloc.Release(name)
		return nil, newError(KindInternal, "run", name, err)
	}
	timer.Mark("registry")

	res = &RunResult{Name: name, Ports: ports, Timer: timer}

	if o.gateway != nil {
		if err := o.syncConsole(ctx, updated, ports); err != nil {
			res.GatewayErr = err
			res.Warning = err.Error()
			o.metrics.IncrCounter([]string{"gateway", "sync", "error"}, 1)
			log.WithFields(log.Fields{"name": name}).Warnf("console not published: %v", err)
		}
		timer.Mark("gateway")
	}

	if fresh, err := o.registry.Get(name); err == nil {
		updated = fresh
	}
	res.ConsoleURL = o.consoleURL(updated)

	fields := log.Fields{
		"name":   name,
		"pid":    handle.PID,
		"handle": handle.ID,
		"vnc":    ports.VNC,
	}
	for phase, ms := range timer.Milliseconds() {
		fields["ms_"+phase] = ms
	}
	log.WithFields(fields).Info("instance running")
	return res, nil
}

// syncConsole publishes the console and records its reference. Failures are
// returned as GatewaySyncFailed and never undo the start.
func (o *Orchestrator) syncConsole(ctx context.Context, inst *vm.Instance, ports vm.Ports) error {
	gctx, cancel := withTimeout(ctx, o.opts.GatewayTimeout)
	defer cancel()

	ref, err := o.gateway.SyncConnection(gctx, inst.Name, o.opts.ConsoleHost,
		consolePort(inst, ports), guacamole.ProtocolFor(inst.Kind))
	if err != nil {
		return newError(KindGatewaySyncFailed, "run", inst.Name, err)
	}

	if _, err := o.registry.Update(inst.Name, func(i *vm.Instance) error {
		i.ConsoleRef = ref
		return nil
	}); err != nil {
		return newError(KindGatewaySyncFailed, "run", inst.Name,
			fmt.Errorf("record console reference: %w", err))
	}
	return nil
}

// stopProcess terminates the hypervisor and frees its ports. Caller holds
// the instance lock.
func (o *Orchestrator) stopProcess(op, name string) (bool, error) {
	stopCtx, cancel := withTimeout(context.Background(), o.opts.StopTimeout+5*time.Second)
	defer cancel()

	was, err := o.procs.Stop(stopCtx, name)
	if err != nil {
		return was, newError(KindProcessStopFailed, op, name, err)
	}
	o.alloc.Release(name)
	return was, nil
}

// Stop terminates the instance if it runs and records it as stopped.
// Stopping a stopped instance succeeds with WasRunning false.
func (o *Orchestrator) Stop(ctx context.Context, name string) (res *StopResult, err error) {
	defer func(start time.Time) { o.observe("stop", start, err) }(time.Now())

	unlock := o.locks.Lock(name)
	defer unlock()

	if _, err := o.get("stop", name); err != nil {
		return nil, err
	}

	was, err := o.stopProcess("stop", name)
	if err != nil {
		return nil, err
	}

	if _, err := o.registry.SetStatus(name, vm.StatusStopped); err != nil {
		return nil, newError(KindInternal, "stop", name, err)
	}

	log.WithFields(log.Fields{"name": name, "was_running": was}).Info("instance stopped")
	return &StopResult{Name: name, WasRunning: was}, nil
}

// Wipe stops the instance, resets its overlay and drops its console record.
func (o *Orchestrator) Wipe(ctx context.Context, name string) (res *WipeResult, err error) {
	defer func(start time.Time) { o.observe("wipe", start, err) }(time.Now())

	unlock := o.locks.Lock(name)
	defer unlock()
	return o.wipe(ctx, name)
}

func (o *Orchestrator) wipe(ctx context.Context, name string) (*WipeResult, error) {
	inst, err := o.get("wipe", name)
	if err != nil {
		return nil, err
	}

	was, err := o.stopProcess("wipe", name)
	if err != nil {
		return nil, err
	}
	if _, err := o.registry.SetStatus(name, vm.StatusStopped); err != nil {
		return nil, newError(KindInternal, "wipe", name, err)
	}

	if err := o.overlays.Wipe(ctx, inst.OverlayPath, inst.Kind); err != nil {
		return nil, newError(KindOverlayCreateFailed, "wipe", name, err)
	}

	res := &WipeResult{Name: name, WasRunning: was}

	if o.gateway != nil {
		gctx, cancel := withTimeout(ctx, o.opts.GatewayTimeout)
		if err := o.gateway.DeleteConnection(gctx, name); err != nil {
			res.Warning = newError(KindGatewaySyncFailed, "wipe", name, err).Error()
			log.WithField("name", name).Warnf("console record not removed: %v", err)
		}
		cancel()
	}

	if _, err := o.registry.Update(name, func(i *vm.Instance) error {
		i.ConsoleRef = ""
		return nil
	}); err != nil {
		return nil, newError(KindInternal, "wipe", name, err)
	}

	log.WithFields(log.Fields{"name": name, "was_running": was}).Info("instance wiped")
	return res, nil
}
