package hypervisor

import "errors"

// Configuration errors
var (
	ErrMissingName        = errors.New("hypervisor: instance name is required")
	ErrMissingDisk        = errors.New("hypervisor: disk path is required")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrInvalidVNCPort     = errors.New("hypervisor: VNC port must be at or above 5900")
	ErrInvalidRole        = errors.New("hypervisor: role must be 'node' or 'router'")
	ErrMissingTelnetPort  = errors.New("hypervisor: router requires a telnet port")
)

// Runtime errors
var (
	ErrLaunchFailed   = errors.New("hypervisor: launch failed")
	ErrAlreadyRunning = errors.New("hypervisor: instance is already running")
	ErrStopFailed     = errors.New("hypervisor: process survived SIGKILL")
	ErrBadPIDFile     = errors.New("hypervisor: unreadable PID file")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)
