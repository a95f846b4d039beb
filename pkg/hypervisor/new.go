package hypervisor

import "runtime"

// SupportedPlatform returns true if the current platform can supervise
// hypervisor processes.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// matchesName reports whether argv carries "-name <name>" exactly.
func matchesName(argv []string, name string) bool {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == "-name" && argv[i+1] == name {
			return true
		}
	}
	return false
}
