//go:build darwin

package hypervisor

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// sZomb is the BSD process state for zombies.
const sZomb = 5

// processInfo returns the argv of pid and whether it is a zombie.
func processInfo(pid int) ([]string, bool, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return nil, false, err
	}
	if kp.Proc.P_stat == sZomb {
		return nil, true, nil
	}

	// kern.procargs2: int32 argc, exec path, NUL padding, then argv.
	raw, err := unix.SysctlRaw("kern.procargs2", pid)
	if err != nil {
		return nil, false, err
	}
	if len(raw) < 4 {
		return nil, false, fmt.Errorf("short procargs for pid %d", pid)
	}
	argc := int(binary.LittleEndian.Uint32(raw[:4]))
	rest := raw[4:]

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return nil, false, fmt.Errorf("malformed procargs for pid %d", pid)
	}
	rest = bytes.TrimLeft(rest[end:], "\x00")

	argv := make([]string, 0, argc)
	for len(argv) < argc && len(rest) > 0 {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			argv = append(argv, string(rest))
			break
		}
		argv = append(argv, string(rest[:end]))
		rest = rest[end+1:]
	}
	return argv, false, nil
}
