//go:build linux

package hypervisor

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// processInfo returns the argv of pid and whether it is a zombie.
func processInfo(pid int) ([]string, bool, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, false, err
	}
	argv := strings.Split(string(bytes.TrimRight(raw, "\x00")), "\x00")

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, false, err
	}
	// The state field follows the parenthesised command, which may itself
	// contain spaces or parentheses.
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return nil, false, fmt.Errorf("parse /proc/%d/stat", pid)
	}
	zombie := stat[i+2] == 'Z' || stat[i+2] == 'X'
	return argv, zombie, nil
}
