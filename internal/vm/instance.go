package vm

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two flavours of managed instance.
type Kind string

const (
	KindNode   Kind = "node"
	KindRouter Kind = "router"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindNode || k == KindRouter
}

// KindFromName infers a kind from the legacy naming convention. It only
// exists to migrate inventory records written before kinds were stored.
func KindFromName(name string) Kind {
	if strings.HasPrefix(name, string(KindRouter)) {
		return KindRouter
	}
	return KindNode
}

// Status is the last known lifecycle status of an instance.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Ports are the host ports allocated to a running instance. Zero means unset.
type Ports struct {
	VNC    int `json:"vnc,omitempty" yaml:"vnc,omitempty"`
	Telnet int `json:"telnet,omitempty" yaml:"telnet,omitempty"`
	SSH    int `json:"ssh,omitempty" yaml:"ssh,omitempty"`
}

// Instance is a managed node or router.
type Instance struct {
	Name        string    `json:"name" yaml:"name"`
	Kind        Kind      `json:"kind" yaml:"kind"`
	Seq         int       `json:"seq" yaml:"seq"`
	OverlayPath string    `json:"overlay_path" yaml:"overlay_path"`
	Address     string    `json:"address" yaml:"address"`
	Ports       Ports     `json:"ports" yaml:"ports"`
	Status      Status    `json:"status" yaml:"status"`
	ConsoleRef  string    `json:"console_ref,omitempty" yaml:"console_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Running reports whether the persisted status says running.
func (i *Instance) Running() bool {
	return i.Status == StatusRunning
}

// InstanceName returns the registry name for the seq-th instance of kind.
func InstanceName(kind Kind, seq int) string {
	return fmt.Sprintf("%s_%d", kind, seq)
}

// MaxSeq is the largest sequence number whose TAP names still fit in
// IFNAMSIZ ("tap-r99999999g1" is 15 bytes).
const MaxSeq = 99999999

// TapNames returns the host-side TAP interfaces the instance is wired to.
// Routers get two, nodes one. Names derive from the sequence number so they
// stay within the kernel's interface name limit for every seq up to MaxSeq.
func TapNames(inst *Instance) []string {
	if inst.Kind == KindRouter {
		return []string{
			fmt.Sprintf("tap-r%dg0", inst.Seq),
			fmt.Sprintf("tap-r%dg1", inst.Seq),
		}
	}
	return []string{fmt.Sprintf("tap-n%d", inst.Seq)}
}
