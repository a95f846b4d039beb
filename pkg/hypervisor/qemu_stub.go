//go:build !darwin && !linux

package hypervisor

import (
	"context"
	"time"
)

// QEMUOptions configures a QEMU controller.
type QEMUOptions struct {
	Binary       string
	RunDir       string
	StopTimeout  time.Duration
	PollInterval time.Duration
}

// QEMU is unavailable on this platform.
type QEMU struct{}

// NewQEMU returns an error on unsupported platforms.
func NewQEMU(opts QEMUOptions) (*QEMU, error) {
	return nil, ErrUnsupportedPlatform
}

func (q *QEMU) Start(ctx context.Context, cfg *LaunchConfig) (*Handle, error) {
	return nil, ErrUnsupportedPlatform
}

func (q *QEMU) Stop(ctx context.Context, name string) (bool, error) {
	return false, ErrUnsupportedPlatform
}

func (q *QEMU) IsRunning(name string) (bool, error) { return false, ErrUnsupportedPlatform }

func (q *QEMU) Running() ([]string, error) { return nil, ErrUnsupportedPlatform }

func (q *QEMU) Info() Info { return Info{Name: "qemu"} }
