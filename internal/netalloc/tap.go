package netalloc

import (
	"errors"
	"fmt"
)

// maxIfaceName is IFNAMSIZ minus the trailing NUL.
const maxIfaceName = 15

var (
	ErrPermission      = errors.New("netalloc: insufficient privilege to manage interfaces")
	ErrInterfaceName   = errors.New("netalloc: invalid interface name")
	ErrInterfaceType   = errors.New("netalloc: interface exists but is not a tap device")
	ErrUnsupportedHost = errors.New("netalloc: tap interfaces are not supported on this platform")
)

// Interfaces ensures host TAP devices exist.
type Interfaces struct{}

// NewInterfaces returns the platform TAP manager.
func NewInterfaces() *Interfaces {
	return &Interfaces{}
}

func validateName(name string) error {
	if name == "" || len(name) > maxIfaceName {
		return fmt.Errorf("%w: %q", ErrInterfaceName, name)
	}
	return nil
}
