//go:build linux

package netalloc

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Netlink entry points, replaced in tests.
var (
	linkByName = netlink.LinkByName
	linkAdd    = netlink.LinkAdd
	linkSetUp  = netlink.LinkSetUp
)

// EnsureInterface creates name as a TAP device and brings it up. An existing
// TAP device is left as it is. A missing privilege is reported as
// ErrPermission and is never retried.
func (i *Interfaces) EnsureInterface(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	link, err := linkByName(name)
	if err == nil {
		// tun and tap devices both come back as *netlink.Tuntap.
		if _, ok := link.(*netlink.Tuntap); !ok {
			return fmt.Errorf("%w: %s is %s", ErrInterfaceType, name, link.Type())
		}
		return nil
	}
	var notFound netlink.LinkNotFoundError
	if !errors.As(err, &notFound) {
		return fmt.Errorf("lookup %s: %w", name, err)
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := linkAdd(tap); err != nil {
		return wrapPrivilege(fmt.Sprintf("create %s", name), err)
	}
	log.WithField("iface", name).Info("tap interface created")

	if err := linkSetUp(tap); err != nil {
		return wrapPrivilege(fmt.Sprintf("bring up %s", name), err)
	}
	return nil
}

func wrapPrivilege(op string, err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%s: %w: %v", op, ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
