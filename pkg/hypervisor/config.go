package hypervisor

import (
	"fmt"
	"strconv"
)

// Role selects the network and console topology of a guest.
type Role string

const (
	RoleNode   Role = "node"
	RoleRouter Role = "router"
)

// vncDisplayBase is the TCP port of VNC display :0.
const vncDisplayBase = 5900

// LaunchConfig holds launch parameters for one guest.
type LaunchConfig struct {
	// Name is passed as -name and is how a live process is recognised.
	Name string

	Role Role

	// DiskPath is the instance overlay.
	DiskPath string

	MemoryMB  int
	EnableKVM bool

	// Taps are host TAP interfaces, one e1000 NIC each.
	Taps []string

	// VNCPort is the host TCP port of the VNC console.
	VNCPort int

	// TelnetPort exposes the serial console of a router.
	TelnetPort int

	// SSHPort forwards host:SSHPort to guest:22 over a user-mode NIC. Zero
	// disables the forward.
	SSHPort int

	// PIDFile is filled in by the controller.
	PIDFile string
}

// Validate performs basic validation of the configuration.
func (c *LaunchConfig) Validate() error {
	if c.Name == "" {
		return ErrMissingName
	}
	if c.DiskPath == "" {
		return ErrMissingDisk
	}
	if c.MemoryMB < 128 {
		return ErrInsufficientMemory
	}
	if c.VNCPort < vncDisplayBase {
		return ErrInvalidVNCPort
	}
	switch c.Role {
	case RoleNode:
	case RoleRouter:
		if c.TelnetPort <= 0 {
			return ErrMissingTelnetPort
		}
	default:
		return ErrInvalidRole
	}
	return nil
}

// VNCDisplay returns the display number QEMU expects for VNCPort.
func (c *LaunchConfig) VNCDisplay() int {
	return c.VNCPort - vncDisplayBase
}

// Args builds the qemu-system command line.
func (c *LaunchConfig) Args() []string {
	args := []string{
		"-name", c.Name,
		"-hda", c.DiskPath,
		"-m", strconv.Itoa(c.MemoryMB),
	}
	if c.EnableKVM {
		args = append(args, "-enable-kvm", "-cpu", "host")
	}

	nic := 0
	for _, tap := range c.Taps {
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=net%d,ifname=%s,script=no,downscript=no", nic, tap),
			"-device", fmt.Sprintf("e1000,netdev=net%d", nic),
		)
		nic++
	}
	if c.SSHPort > 0 {
		args = append(args,
			"-netdev", fmt.Sprintf("user,id=net%d,hostfwd=tcp::%d-:22", nic, c.SSHPort),
			"-device", fmt.Sprintf("e1000,netdev=net%d", nic),
		)
	}

	args = append(args, "-vnc", fmt.Sprintf(":%d", c.VNCDisplay()))
	if c.Role == RoleRouter {
		args = append(args, "-serial", fmt.Sprintf("telnet:0.0.0.0:%d,server,nowait", c.TelnetPort))
	}

	args = append(args, "-daemonize")
	if c.PIDFile != "" {
		args = append(args, "-pidfile", c.PIDFile)
	}
	return args
}
