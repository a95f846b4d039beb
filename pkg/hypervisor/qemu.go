//go:build linux || darwin

package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const pidSuffix = ".pid"

// QEMUOptions configures a QEMU controller.
type QEMUOptions struct {
	// Binary is the qemu-system launcher.
	Binary string

	// RunDir holds one PID file per instance.
	RunDir string

	// StopTimeout bounds the wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration

	// PollInterval is how often liveness is checked while waiting.
	PollInterval time.Duration
}

// QEMU supervises daemonized qemu-system processes through PID files. The
// handle table is keyed by instance name; entries missing from it are
// adopted from the run directory, so guests survive a restart of the
// management process.
type QEMU struct {
	mu      sync.Mutex
	opts    QEMUOptions
	handles map[string]*Handle
}

var _ Controller = (*QEMU)(nil)

// NewQEMU creates a controller and its run directory.
func NewQEMU(opts QEMUOptions) (*QEMU, error) {
	if opts.Binary == "" {
		opts.Binary = "qemu-system-x86_64"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if err := os.MkdirAll(opts.RunDir, 0755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return &QEMU{
		opts:    opts,
		handles: make(map[string]*Handle),
	}, nil
}

func (q *QEMU) Info() Info {
	return Info{
		Name:   "qemu",
		Binary: q.opts.Binary,
		Arch:   runtime.GOARCH,
	}
}

func (q *QEMU) pidPath(name string) string {
	return filepath.Join(q.opts.RunDir, name+pidSuffix)
}

// Start launches the guest. The launcher daemonizes, so a zero exit status
// plus a readable PID file means the guest is up.
func (q *QEMU) Start(ctx context.Context, cfg *LaunchConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if h, _ := q.lookup(cfg.Name); h != nil && alive(h.PID, cfg.Name) {
		return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, cfg.Name, h.PID)
	}

	pidFile := q.pidPath(cfg.Name)
	os.Remove(pidFile)
	delete(q.handles, cfg.Name)

	launch := *cfg
	launch.PIDFile = pidFile
	args := launch.Args()

	log.WithFields(log.Fields{
		"name": cfg.Name,
		"role": cfg.Role,
		"vnc":  cfg.VNCPort,
	}).Debugf("launching %s %s", q.opts.Binary, strings.Join(args, " "))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, q.opts.Binary, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		os.Remove(pidFile)
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrLaunchFailed, cfg.Name, err, strings.TrimSpace(out.String()))
	}

	pid, err := q.waitPIDFile(ctx, pidFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunchFailed, cfg.Name, err)
	}

	h := &Handle{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		PID:       pid,
		PIDFile:   pidFile,
		StartedAt: time.Now(),
	}
	q.handles[cfg.Name] = h

	log.WithFields(log.Fields{
		"name":   h.Name,
		"pid":    h.PID,
		"handle": h.ID,
	}).Info("hypervisor started")
	return h, nil
}

// waitPIDFile polls until the PID file holds a pid. QEMU writes it before
// the launcher exits, so this normally succeeds on the first read.
func (q *QEMU) waitPIDFile(ctx context.Context, path string) (int, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		pid, err := readPIDFile(path)
		if err == nil {
			return pid, nil
		}
		if time.Now().After(deadline) {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrBadPIDFile, path)
	}
	return pid, nil
}

// lookup returns the handle for name, adopting a PID file left by an earlier
// process. Caller must hold q.mu.
func (q *QEMU) lookup(name string) (*Handle, error) {
	if h, ok := q.handles[name]; ok {
		return h, nil
	}

	pidFile := q.pidPath(name)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	h := &Handle{
		ID:      uuid.NewString(),
		Name:    name,
		PID:     pid,
		PIDFile: pidFile,
	}
	q.handles[name] = h
	log.WithFields(log.Fields{"name": name, "pid": pid}).Debug("adopted hypervisor process")
	return h, nil
}

// forget drops the handle and its PID file. Caller must hold q.mu.
func (q *QEMU) forget(name string) {
	if h, ok := q.handles[name]; ok {
		os.Remove(h.PIDFile)
	} else {
		os.Remove(q.pidPath(name))
	}
	delete(q.handles, name)
}

func (q *QEMU) IsRunning(name string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, err := q.lookup(name)
	if err != nil {
		// A corrupt PID file cannot describe a live guest.
		q.forget(name)
		return false, nil
	}
	if h == nil {
		return false, nil
	}
	if !alive(h.PID, name) {
		q.forget(name)
		return false, nil
	}
	return true, nil
}

// Stop sends SIGTERM, waits up to the stop timeout and then sends SIGKILL.
func (q *QEMU) Stop(ctx context.Context, name string) (bool, error) {
	q.mu.Lock()
	h, err := q.lookup(name)
	if err != nil || h == nil || !alive(h.PID, name) {
		q.forget(name)
		q.mu.Unlock()
		return false, nil
	}
	pid := h.PID
	q.mu.Unlock()

	logger := log.WithFields(log.Fields{"name": name, "pid": pid})

	if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return true, fmt.Errorf("signal %s: %w", name, err)
	}

	if !q.waitExit(ctx, pid, name, q.opts.StopTimeout) {
		logger.Warn("hypervisor ignored SIGTERM, sending SIGKILL")
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			return true, fmt.Errorf("kill %s: %w", name, err)
		}
		if !q.waitExit(context.Background(), pid, name, 2*time.Second) {
			return true, fmt.Errorf("%w: %s (pid %d)", ErrStopFailed, name, pid)
		}
	}

	q.mu.Lock()
	q.forget(name)
	q.mu.Unlock()

	logger.Info("hypervisor stopped")
	return true, nil
}

// waitExit polls until pid no longer runs name or timeout expires.
func (q *QEMU) waitExit(ctx context.Context, pid int, name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !alive(pid, name) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *QEMU) Running() ([]string, error) {
	entries, err := os.ReadDir(q.opts.RunDir)
	if err != nil {
		return nil, fmt.Errorf("read run directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pidSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), pidSuffix)
		running, err := q.IsRunning(name)
		if err != nil {
			return nil, err
		}
		if running {
			names = append(names, name)
		}
	}
	return names, nil
}

// alive reports whether pid exists, is not a zombie, and was launched with
// "-name <name>". Matching the exact argument keeps node_1 from matching
// node_10 and guards against PID reuse.
func alive(pid int, name string) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err == unix.ESRCH {
		return false
	}
	argv, zombie, err := processInfo(pid)
	if err != nil || zombie {
		return false
	}
	return matchesName(argv, name)
}
