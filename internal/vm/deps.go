package vm

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Dependency represents a required external tool.
type Dependency struct {
	Name        string            // Tool name (e.g., "qemu-img")
	Command     string            // Command to look up in PATH
	Packages    map[string]string // host OS family -> package name
	Description string
}

// DependencyStatus is the result of looking up one Dependency.
type DependencyStatus struct {
	Dependency
	Path    string // resolved path, empty when missing
	Install string // suggested install command, empty when unknown
}

// Found reports whether the tool is on PATH.
func (s DependencyStatus) Found() bool { return s.Path != "" }

// DependencyManager checks the host tools nodelab drives.
type DependencyManager struct {
	hostOS   string // "arch", "debian", "fedora", "macos", ...
	lookPath func(string) (string, error)
}

// NewDependencyManager creates a dependency manager for the current host.
func NewDependencyManager() *DependencyManager {
	return &DependencyManager{
		hostOS:   detectHostOS(readOSRelease()),
		lookPath: exec.LookPath,
	}
}

// HostOS returns the detected host OS family.
func (m *DependencyManager) HostOS() string { return m.hostOS }

// QEMUDependencies lists the tools needed to run instances with the given
// launcher and image tool binaries.
func QEMUDependencies(qemuBinary, qemuImg string) []Dependency {
	qemuPkgs := map[string]string{
		"arch":     "qemu-full",
		"debian":   "qemu-system-x86",
		"ubuntu":   "qemu-system-x86",
		"fedora":   "qemu-system-x86",
		"rhel":     "qemu-kvm",
		"opensuse": "qemu-x86",
		"macos":    "qemu",
	}
	imgPkgs := map[string]string{
		"arch":     "qemu-img",
		"debian":   "qemu-utils",
		"ubuntu":   "qemu-utils",
		"fedora":   "qemu-img",
		"rhel":     "qemu-img",
		"opensuse": "qemu-tools",
		"macos":    "qemu",
	}
	return []Dependency{
		{Name: "qemu", Command: qemuBinary, Packages: qemuPkgs, Description: "Runs node and router instances"},
		{Name: "qemu-img", Command: qemuImg, Packages: imgPkgs, Description: "Creates copy-on-write overlays"},
	}
}

// detectHostOS maps the contents of /etc/os-release to a host OS family.
func detectHostOS(osRelease string) string {
	if runtime.GOOS == "darwin" {
		return "macos"
	}

	fields := map[string]string{}
	for _, line := range strings.Split(osRelease, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			fields[k] = strings.Trim(v, "\"")
		}
	}

	switch id := fields["ID"]; id {
	case "arch", "manjaro", "endeavouros":
		return "arch"
	case "debian", "ubuntu", "fedora", "opensuse":
		return id
	case "linuxmint", "pop":
		return "ubuntu"
	case "rhel", "centos", "rocky", "almalinux":
		return "rhel"
	case "opensuse-leap", "opensuse-tumbleweed", "suse":
		return "opensuse"
	}

	idLike := fields["ID_LIKE"]
	switch {
	case strings.Contains(idLike, "arch"):
		return "arch"
	case strings.Contains(idLike, "debian"), strings.Contains(idLike, "ubuntu"):
		return "debian"
	case strings.Contains(idLike, "rhel"), strings.Contains(idLike, "fedora"):
		return "rhel"
	case strings.Contains(idLike, "suse"):
		return "opensuse"
	}
	return "linux"
}

func readOSRelease() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	return string(data)
}

// installCommand returns the package manager invocation for pkg.
func (m *DependencyManager) installCommand(pkg string) string {
	switch m.hostOS {
	case "arch":
		return "sudo pacman -S " + pkg
	case "debian", "ubuntu":
		return "sudo apt-get install " + pkg
	case "fedora":
		return "sudo dnf install " + pkg
	case "rhel":
		return "sudo yum install " + pkg
	case "opensuse":
		return "sudo zypper install " + pkg
	case "macos":
		return "brew install " + pkg
	}
	return ""
}

// Check looks up every dependency. Missing tools get an install hint when
// the host OS family is known.
func (m *DependencyManager) Check(deps []Dependency) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(deps))
	for _, dep := range deps {
		st := DependencyStatus{Dependency: dep}
		if path, err := m.lookPath(dep.Command); err == nil {
			st.Path = path
		} else if pkg := dep.Packages[m.hostOS]; pkg != "" {
			st.Install = m.installCommand(pkg)
		}
		out = append(out, st)
	}
	return out
}

// Missing returns an error naming every tool that was not found.
func Missing(statuses []DependencyStatus) error {
	var names []string
	for _, st := range statuses {
		if !st.Found() {
			names = append(names, st.Command)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("missing host tools: %s", strings.Join(names, ", "))
}
