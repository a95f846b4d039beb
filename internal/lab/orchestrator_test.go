package lab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/nodelab/internal/config"
	"github.com/javanstorm/nodelab/internal/guacamole"
	"github.com/javanstorm/nodelab/internal/netalloc"
	"github.com/javanstorm/nodelab/internal/vm"
	"github.com/javanstorm/nodelab/pkg/hypervisor"
)

// Scenario A: a created node is listed as stopped with no console URL.
func TestCreateNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node_1", inst.Name)
	assert.Equal(t, vm.KindNode, inst.Kind)
	assert.Equal(t, "192.168.56.11", inst.Address)
	assert.NoError(t, h.overlays.Verify(inst.OverlayPath))

	views, err := h.orch.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, vm.StatusStopped, views[0].Status)
	assert.Empty(t, views[0].ConsoleURL)
}

func TestCreateNamesNeverReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	router, err := h.orch.CreateRouter(ctx)
	require.NoError(t, err)
	node, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)

	assert.Equal(t, "router_2", router.Name)
	assert.Equal(t, "192.168.56.1", router.Address)
	assert.Equal(t, "node_3", node.Name)
}

func TestCreateSingleRouter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateRouter(ctx)
	require.NoError(t, err)

	_, err = h.orch.CreateRouter(ctx)
	assert.True(t, errors.Is(err, ErrAlreadyExists))
	assert.Equal(t, KindAlreadyExists, KindOf(err))
}

func TestCreateOverlayFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(h.cfg.NodeImage))

	_, err := h.orch.CreateNode(context.Background())
	assert.True(t, errors.Is(err, ErrOverlayCreateFailed))
	assert.True(t, errors.Is(err, vm.ErrBaseImageMissing))

	list, err := h.registry.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

// Scenario B: running a fresh node allocates a port, flips the registry and
// publishes a VNC console.
func TestRunNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.Ports{VNC: 5901, SSH: 2223}, res.Ports)
	assert.Empty(t, res.Warning)
	assert.Equal(t, "http://localhost:8080/guacamole/#/client/1", res.ConsoleURL)
	require.NotNil(t, res.Timer)

	inst, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusRunning, inst.Status)
	assert.Equal(t, res.Ports, inst.Ports)
	assert.Equal(t, "1", inst.ConsoleRef)

	rec := h.gateway.record("node_1")
	require.NotNil(t, rec)
	assert.Equal(t, guacamole.ProtocolVNC, rec.proto)
	assert.Equal(t, 5901, rec.port)
	assert.Equal(t, "172.19.0.1", rec.host)

	launched := h.procs.config("node_1")
	require.NotNil(t, launched)
	assert.Equal(t, hypervisor.RoleNode, launched.Role)
	assert.Equal(t, []string{"tap-n1"}, launched.Taps)
	assert.Equal(t, inst.OverlayPath, launched.DiskPath)
	assert.Equal(t, []string{"tap-n1"}, h.ifaces.ensured)

	views, err := h.orch.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.ConsoleURL, views[0].ConsoleURL)
}

func TestRunRouter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateRouter(ctx)
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, "router_1")
	require.NoError(t, err)
	assert.Equal(t, vm.Ports{VNC: 5901, Telnet: 5950}, res.Ports)

	rec := h.gateway.record("router_1")
	require.NotNil(t, rec)
	assert.Equal(t, guacamole.ProtocolTelnet, rec.proto)
	assert.Equal(t, 5950, rec.port)

	launched := h.procs.config("router_1")
	assert.Equal(t, hypervisor.RoleRouter, launched.Role)
	assert.Equal(t, []string{"tap-r1g0", "tap-r1g1"}, launched.Taps)
	assert.Equal(t, 5950, launched.TelnetPort)
}

// With the VNC range filled up to the telnet port, a router still gets two
// distinct console ports and the telnet port is never scanned out.
func TestRunRouterConsolePortsDistinct(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for p := 5901; p < 5950; p++ {
		require.NoError(t, h.alloc.Claim("busy", p))
	}

	_, err := h.orch.CreateRouter(ctx)
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, "router_1")
	require.NoError(t, err)
	assert.Equal(t, 5950, res.Ports.Telnet)
	assert.Equal(t, 5951, res.Ports.VNC)
	assert.Equal(t, []int{5950, 5951}, h.alloc.Held("router_1"))
}

func TestRunNodeSkipsRouterTelnetPort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for p := 5901; p < 5950; p++ {
		require.NoError(t, h.alloc.Claim("busy", p))
	}

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	res, err := h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	assert.Equal(t, 5951, res.Ports.VNC)

	// The router can still start afterwards.
	_, err = h.orch.CreateRouter(ctx)
	require.NoError(t, err)
	res, err = h.orch.Run(ctx, "router_2")
	require.NoError(t, err)
	assert.Equal(t, 5950, res.Ports.Telnet)
	assert.Equal(t, 5952, res.Ports.VNC)
}

func TestRunInterfaceNameRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	h.ifaces.fail = fmt.Errorf("%w: %q", netalloc.ErrInterfaceName, "tap-overlong-name")

	_, err = h.orch.Run(ctx, "node_1")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Empty(t, h.alloc.Held("node_1"))
}

func TestCreateSequenceExhausted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.registry.Path(),
		[]byte(fmt.Sprintf(`{"next_seq": %d, "nodes": []}`, vm.MaxSeq+1)), 0644))

	_, err := h.orch.CreateRouter(context.Background())
	assert.Equal(t, KindResourceExhausted, KindOf(err))

	list, err := h.registry.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

// Scenario C: a second run never spawns a second process.
func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	first, err := h.orch.Run(ctx, "node_1")
	require.NoError(t, err)

	_, err = h.orch.Run(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.Equal(t, 1, h.procs.startCount("node_1"))

	// The first run's ports are still held.
	assert.Equal(t, []int{first.Ports.SSH, first.Ports.VNC}, h.alloc.Held("node_1"))
}

func TestConcurrentRunsSpawnOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Run(ctx, "node_1")
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrAlreadyRunning), err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, h.procs.startCount("node_1"))
}

func TestConcurrentRunsGetDistinctPorts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		_, err := h.orch.CreateNode(ctx)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make([]*RunResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.Run(ctx, vm.InstanceName(vm.KindNode, i+1))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, res := range results {
		require.NotNil(t, res)
		assert.False(t, seen[res.Ports.VNC], "duplicate vnc port %d", res.Ports.VNC)
		seen[res.Ports.VNC] = true
	}

	// No update was lost in the shared inventory file.
	list, err := h.registry.List()
	require.NoError(t, err)
	for _, inst := range list {
		assert.Equal(t, vm.StatusRunning, inst.Status, inst.Name)
	}
}

func TestRunLaunchFailureReleasesPorts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	_, err = h.orch.CreateNode(ctx)
	require.NoError(t, err)

	h.procs.failStart["node_1"] = fmt.Errorf("%w: exit status 1", hypervisor.ErrLaunchFailed)
	_, err = h.orch.Run(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrProcessLaunchFailed))
	assert.False(t, errors.Is(err, ErrGatewaySyncFailed))
	assert.Nil(t, h.alloc.Held("node_1"))

	inst, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusStopped, inst.Status)
	assert.Nil(t, h.gateway.record("node_1"))

	res, err := h.orch.Run(ctx, "node_2")
	require.NoError(t, err)
	assert.Equal(t, 5901, res.Ports.VNC)
}

func TestRunInterfaceFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)

	h.ifaces.fail = errors.New("operation not permitted")
	_, err = h.orch.Run(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrResourceExhausted))
	assert.Nil(t, h.alloc.Held("node_1"))
	assert.Zero(t, h.procs.startCount("node_1"))
}

func TestRunPortsExhausted(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.PortRange = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.orch.CreateNode(ctx)
		require.NoError(t, err)
	}

	_, err := h.orch.Run(ctx, "node_1")
	require.NoError(t, err)

	_, err = h.orch.Run(ctx, "node_2")
	assert.True(t, errors.Is(err, ErrResourceExhausted))
	assert.Zero(t, h.procs.startCount("node_2"))
}

func TestRunUnknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Run(context.Background(), "node_9")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRunRecreatesMissingOverlay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(inst.OverlayPath))

	_, err = h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	assert.NoError(t, h.overlays.Verify(inst.OverlayPath))
}

func TestRunOverlayMissingAndUnrecoverable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(inst.OverlayPath))
	require.NoError(t, os.Remove(h.cfg.NodeImage))

	_, err = h.orch.Run(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrOverlayMissing))
	assert.Zero(t, h.procs.startCount("node_1"))
}

// Scenario E: an unreachable gateway leaves the instance running and is
// reported apart from launch errors.
func TestRunGatewayUnreachable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	h.gateway.syncErr = errors.New("dial tcp 127.0.0.1:3306: connection refused")

	res, err := h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)
	assert.Empty(t, res.ConsoleURL)
	assert.True(t, errors.Is(res.GatewayErr, ErrGatewaySyncFailed))
	assert.False(t, errors.Is(res.GatewayErr, ErrProcessLaunchFailed))

	inst, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusRunning, inst.Status)
	assert.Empty(t, inst.ConsoleRef)
}

func TestRunWithoutGateway(t *testing.T) {
	h := newHarness(t)
	h.orch.gateway = nil
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	assert.Empty(t, res.ConsoleURL)
}

func TestStopNeverRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)

	res, err := h.orch.Stop(ctx, "node_1")
	require.NoError(t, err)
	assert.False(t, res.WasRunning)

	running, err := h.procs.IsRunning("node_1")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestStopRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, "node_1")
	require.NoError(t, err)

	res, err := h.orch.Stop(ctx, "node_1")
	require.NoError(t, err)
	assert.True(t, res.WasRunning)

	running, err := h.procs.IsRunning("node_1")
	require.NoError(t, err)
	assert.False(t, running)
	assert.Nil(t, h.alloc.Held("node_1"))

	inst, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusStopped, inst.Status)
	assert.Equal(t, vm.Ports{}, inst.Ports)

	// The gateway is left alone on stop.
	assert.NotNil(t, h.gateway.record("node_1"))

	views, err := h.orch.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, views[0].ConsoleURL)
}

func TestStopUnknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Stop(context.Background(), "node_1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStopFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, "node_1")
	require.NoError(t, err)

	h.procs.failStop["node_1"] = hypervisor.ErrStopFailed
	_, err = h.orch.Stop(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrProcessStopFailed))
	assert.True(t, errors.Is(err, hypervisor.ErrStopFailed))
}

func TestWipeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inst, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(inst.OverlayPath, []byte("guest writes"), 0644))

	for i := 0; i < 2; i++ {
		res, err := h.orch.Wipe(ctx, "node_1")
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.WasRunning)

		got, err := h.registry.Get("node_1")
		require.NoError(t, err)
		assert.Equal(t, vm.StatusStopped, got.Status)
		assert.Empty(t, got.ConsoleRef)
		assert.NoError(t, h.overlays.Verify(got.OverlayPath))

		data, err := os.ReadFile(got.OverlayPath)
		require.NoError(t, err)
		assert.NotEqual(t, "guest writes", string(data))
	}

	assert.Nil(t, h.gateway.record("node_1"))
	running, _ := h.procs.IsRunning("node_1")
	assert.False(t, running)
}

func TestWipeGatewayFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	h.gateway.deleteErr = errors.New("gateway down")

	res, err := h.orch.Wipe(ctx, "node_1")
	require.NoError(t, err)
	assert.Contains(t, res.Warning, "gateway down")
}

func TestWipeOverlayFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	h.overlays.failWipe["node_1"] = errors.New("permission denied")

	_, err = h.orch.Wipe(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrOverlayCreateFailed))

	// The instance was still stopped first.
	inst, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusStopped, inst.Status)
}

func threeNodes(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.orch.CreateNode(ctx)
		require.NoError(t, err)
	}
	_, err := h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	h.overlays.failWipe["node_2"] = errors.New("device busy")
}

// Scenario D with the default policy: the batch continues past node_2.
func TestWipeAllContinues(t *testing.T) {
	h := newHarness(t)
	threeNodes(t, h)

	res, err := h.orch.WipeAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverlayCreateFailed))

	assert.Equal(t, PolicyContinue, res.Policy)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, OutcomeWiped, res.Outcomes[0].Outcome)
	assert.Equal(t, OutcomeFailed, res.Outcomes[1].Outcome)
	assert.Contains(t, res.Outcomes[1].Error, "device busy")
	assert.Equal(t, OutcomeWiped, res.Outcomes[2].Outcome)
	assert.Equal(t, 1, res.Failed())

	node1, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusStopped, node1.Status)
	assert.Len(t, h.overlays.wiped, 2)
}

// Scenario D with halt-on-failure: node_3 is skipped.
func TestWipeAllHalts(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.HaltOnFailure = true })
	threeNodes(t, h)

	res, err := h.orch.WipeAll(context.Background())
	require.Error(t, err)

	assert.Equal(t, PolicyHalt, res.Policy)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, OutcomeWiped, res.Outcomes[0].Outcome)
	assert.Equal(t, OutcomeFailed, res.Outcomes[1].Outcome)
	assert.Equal(t, OutcomeSkipped, res.Outcomes[2].Outcome)
	assert.Equal(t, []string{h.overlays.Path("node_1")}, h.overlays.wiped)
}

func TestWipeAllEmpty(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.WipeAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
}

func TestListCorrectsDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.orch.CreateNode(ctx)
		require.NoError(t, err)
	}
	_, err := h.orch.Run(ctx, "node_1")
	require.NoError(t, err)

	// node_1 died, node_2 was started behind our back.
	h.procs.kill("node_1")
	h.procs.spawn("node_2")

	views, err := h.orch.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, vm.StatusStopped, views[0].Status)
	assert.Empty(t, views[0].ConsoleURL)
	assert.Equal(t, vm.StatusRunning, views[1].Status)

	node1, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusStopped, node1.Status)
	assert.Nil(t, h.alloc.Held("node_1"))
}

func TestRunCorrectsDriftedStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	h.procs.spawn("node_1")

	_, err = h.orch.Run(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	inst, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusRunning, inst.Status)
}

func TestRunLogsFailedStatusCorrection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	h.procs.spawn("node_1")
	// The inventory turns unreadable between the lookup and the correction.
	h.procs.onCheck = func(string) {
		require.NoError(t, os.WriteFile(h.registry.Path(), []byte("{"), 0644))
	}

	hook := logtest.NewGlobal()
	defer hook.Reset()

	_, err = h.orch.Run(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, log.WarnLevel, entry.Level)
	assert.Equal(t, "node_1", entry.Data["name"])
	assert.Contains(t, entry.Message, "status correction failed")
}

func TestReconcileAdoptsLiveInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.orch.CreateNode(ctx)
		require.NoError(t, err)
	}
	_, err := h.registry.Update("node_1", func(i *vm.Instance) error {
		i.Status = vm.StatusRunning
		i.Ports = vm.Ports{VNC: 5901, SSH: 2223}
		return nil
	})
	require.NoError(t, err)
	_, err = h.registry.SetStatus("node_2", vm.StatusRunning)
	require.NoError(t, err)
	h.procs.spawn("node_1")

	res, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node_1"}, res.Running)
	assert.Equal(t, []string{"node_2"}, res.Corrected)
	assert.Empty(t, res.Killed)

	// Adopted ports are not handed out again.
	assert.Equal(t, []int{2223, 5901}, h.alloc.Held("node_1"))
	assert.True(t, h.alloc.Committed("node_1"))

	node2, err := h.registry.Get("node_2")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusStopped, node2.Status)
}

func TestReconcileCleanup(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.CleanupOnStart = true })
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, "node_1")
	require.NoError(t, err)
	h.procs.spawn("node_77")

	res, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node_1", "node_77"}, res.Killed)

	names, err := h.procs.Running()
	require.NoError(t, err)
	assert.Empty(t, names)

	node1, err := h.registry.Get("node_1")
	require.NoError(t, err)
	assert.Equal(t, vm.StatusStopped, node1.Status)
}

func TestRequireRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateNode(ctx)
	require.NoError(t, err)

	_, err = h.orch.RequireRunning(ctx, "node_1")
	assert.True(t, errors.Is(err, ErrAlreadyStopped))

	_, err = h.orch.Run(ctx, "node_1")
	require.NoError(t, err)

	view, err := h.orch.RequireRunning(ctx, "node_1")
	require.NoError(t, err)
	assert.Equal(t, 2223, view.Ports.SSH)
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("cause")
	err := newError(KindOverlayMissing, "run", "node_1", cause)

	assert.Equal(t, "run node_1: cause", err.Error())
	assert.True(t, errors.Is(err, ErrOverlayMissing))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindOverlayMissing, KindOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, KindInternal, KindOf(cause))

	bare := newError(KindAlreadyRunning, "run", "node_1", nil)
	assert.Equal(t, "run node_1: instance already running", bare.Error())
}

func TestKeyedMutexTryLock(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock("node_1")
	_, ok := k.TryLock("node_1")
	assert.False(t, ok)

	other, ok := k.TryLock("node_2")
	require.True(t, ok)
	other()

	unlock()
	again, ok := k.TryLock("node_1")
	require.True(t, ok)
	again()
	assert.Empty(t, k.locks)
}

func TestHypervisorInfo(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "fake", h.orch.Hypervisor().Name)
}
