//go:build !linux

package netalloc

// EnsureInterface is unavailable outside Linux.
func (i *Interfaces) EnsureInterface(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return ErrUnsupportedHost
}
