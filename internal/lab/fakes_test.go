package lab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/javanstorm/nodelab/internal/config"
	"github.com/javanstorm/nodelab/internal/guacamole"
	"github.com/javanstorm/nodelab/internal/netalloc"
	"github.com/javanstorm/nodelab/internal/testutil"
	"github.com/javanstorm/nodelab/internal/vm"
	"github.com/javanstorm/nodelab/pkg/hypervisor"
)

// fakeProcesses is an in-memory process table.
type fakeProcesses struct {
	mu        sync.Mutex
	live      map[string]*hypervisor.LaunchConfig
	starts    map[string]int
	failStart map[string]error
	failStop  map[string]error
	nextPID   int
	// onCheck runs before each IsRunning answer.
	onCheck func(name string)
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{
		live:      make(map[string]*hypervisor.LaunchConfig),
		starts:    make(map[string]int),
		failStart: make(map[string]error),
		failStop:  make(map[string]error),
		nextPID:   1000,
	}
}

func (f *fakeProcesses) Start(ctx context.Context, cfg *hypervisor.LaunchConfig) (*hypervisor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failStart[cfg.Name]; err != nil {
		return nil, err
	}
	if _, ok := f.live[cfg.Name]; ok {
		return nil, hypervisor.ErrAlreadyRunning
	}
	f.starts[cfg.Name]++
	f.nextPID++
	c := *cfg
	f.live[cfg.Name] = &c
	return &hypervisor.Handle{ID: fmt.Sprintf("h-%d", f.nextPID), Name: cfg.Name, PID: f.nextPID}, nil
}

func (f *fakeProcesses) Stop(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failStop[name]; err != nil {
		return true, err
	}
	_, ok := f.live[name]
	delete(f.live, name)
	return ok, nil
}

func (f *fakeProcesses) IsRunning(name string) (bool, error) {
	if f.onCheck != nil {
		f.onCheck(name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[name]
	return ok, nil
}

func (f *fakeProcesses) Running() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.live {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeProcesses) Info() hypervisor.Info { return hypervisor.Info{Name: "fake"} }

// kill simulates a guest dying behind the orchestrator's back.
func (f *fakeProcesses) kill(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
}

// spawn simulates a guest left over from an earlier management process.
func (f *fakeProcesses) spawn(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[name] = &hypervisor.LaunchConfig{Name: name}
}

func (f *fakeProcesses) config(name string) *hypervisor.LaunchConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name]
}

func (f *fakeProcesses) startCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[name]
}

type fakeInterfaces struct {
	mu      sync.Mutex
	ensured []string
	fail    error
}

func (f *fakeInterfaces) EnsureInterface(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.ensured = append(f.ensured, name)
	return nil
}

type gatewayRecord struct {
	ref   string
	host  string
	port  int
	proto guacamole.Protocol
}

// fakeGateway keeps connection records in memory.
type fakeGateway struct {
	mu        sync.Mutex
	records   map[string]*gatewayRecord
	nextID    int
	syncErr   error
	deleteErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{records: make(map[string]*gatewayRecord)}
}

func (g *fakeGateway) SyncConnection(ctx context.Context, name, host string, port int, proto guacamole.Protocol) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.syncErr != nil {
		return "", g.syncErr
	}
	r, ok := g.records[name]
	if !ok {
		g.nextID++
		r = &gatewayRecord{ref: fmt.Sprint(g.nextID), proto: proto}
		g.records[name] = r
	}
	r.host = host
	r.port = port
	return r.ref, nil
}

func (g *fakeGateway) DeleteConnection(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return g.deleteErr
	}
	delete(g.records, name)
	return nil
}

func (g *fakeGateway) record(name string) *gatewayRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[name]
}

// faultyOverlays wraps the real store and fails wipes of chosen instances.
type faultyOverlays struct {
	*vm.OverlayStore
	mu       sync.Mutex
	failWipe map[string]error
	wiped    []string
}

func (f *faultyOverlays) Wipe(ctx context.Context, path string, kind vm.Kind) error {
	f.mu.Lock()
	for name, err := range f.failWipe {
		if path == f.Path(name) {
			f.mu.Unlock()
			return err
		}
	}
	f.mu.Unlock()

	if err := f.OverlayStore.Wipe(ctx, path, kind); err != nil {
		return err
	}
	f.mu.Lock()
	f.wiped = append(f.wiped, path)
	f.mu.Unlock()
	return nil
}

type harness struct {
	cfg      *config.Config
	orch     *Orchestrator
	registry *vm.Registry
	procs    *fakeProcesses
	ifaces   *fakeInterfaces
	gateway  *fakeGateway
	overlays *faultyOverlays
	alloc    *netalloc.Allocator
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testutil.TestConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	h := &harness{
		cfg:      cfg,
		registry: vm.NewRegistry(cfg.RegistryPath()),
		procs:    newFakeProcesses(),
		ifaces:   &fakeInterfaces{},
		gateway:  newFakeGateway(),
		overlays: &faultyOverlays{OverlayStore: testutil.OverlayStore(cfg), failWipe: map[string]error{}},
		alloc:    netalloc.NewAllocator(cfg.PortRange, func(int) bool { return true }),
	}
	h.orch = New(OptionsFromConfig(cfg), Deps{
		Registry:   h.registry,
		Processes:  h.procs,
		Overlays:   h.overlays,
		Allocator:  h.alloc,
		Interfaces: h.ifaces,
		Gateway:    h.gateway,
	})
	return h
}
