// Package hypervisor launches and supervises QEMU guests as external
// daemonized processes, one per instance name.
package hypervisor

import (
	"context"
	"time"
)

// Controller is the process-level view of instances.
type Controller interface {
	// Start launches the guest described by cfg and returns once the
	// hypervisor has daemonized and written its PID file.
	Start(ctx context.Context, cfg *LaunchConfig) (*Handle, error)

	// Stop terminates the guest called name. Stopping an unknown or dead
	// guest succeeds and reports false.
	Stop(ctx context.Context, name string) (wasRunning bool, err error)

	// IsRunning reports whether a live hypervisor process owns name.
	IsRunning(name string) (bool, error)

	// Running lists the names of all live guests this controller knows about,
	// including ones launched by an earlier process.
	Running() ([]string, error)

	Info() Info
}

// Handle identifies one launched hypervisor process.
type Handle struct {
	ID        string
	Name      string
	PID       int
	PIDFile   string
	StartedAt time.Time
}

// Info contains driver metadata.
type Info struct {
	Name   string // "qemu"
	Binary string // launcher path
	Arch   string // "amd64" or "arm64"
}
