package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = warning only
}

// Validate checks the configuration for values nodelab cannot work with.
func Validate(c *Config) []ValidationError {
	var errors []ValidationError

	if c.PortRange < 2 || c.PortRange > 1000 {
		errors = append(errors, ValidationError{
			Field:   "port_range",
			Message: fmt.Sprintf("must be between 2 and 1000, got %d", c.PortRange),
			Fatal:   true,
		})
	}

	// QEMU numbers VNC displays from 5900.
	if c.VNCPortBase < 5900 {
		errors = append(errors, ValidationError{
			Field:   "vnc_port_base",
			Message: fmt.Sprintf("must be at least 5900, got %d", c.VNCPortBase),
			Fatal:   true,
		})
	}

	for field, port := range map[string]int{
		"ssh_port_base":      c.SSHPortBase,
		"router_telnet_port": c.RouterTelnetPort,
	} {
		if port < 1 || port > 65535 {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid port %d", port),
				Fatal:   true,
			})
		}
	}

	if c.MemoryMB < 128 {
		errors = append(errors, ValidationError{
			Field:   "memory_mb",
			Message: fmt.Sprintf("must be at least 128, got %d", c.MemoryMB),
			Fatal:   true,
		})
	}

	if net.ParseIP(c.RouterAddress) == nil {
		errors = append(errors, ValidationError{
			Field:   "router_address",
			Message: fmt.Sprintf("not an IP address: %q", c.RouterAddress),
			Fatal:   true,
		})
	}

	if strings.Count(c.SubnetPrefix, ".") != 2 {
		errors = append(errors, ValidationError{
			Field:   "subnet_prefix",
			Message: fmt.Sprintf("expected three octets, got %q", c.SubnetPrefix),
			Fatal:   true,
		})
	}

	for field, path := range map[string]string{
		"node_image":   c.NodeImage,
		"router_image": c.RouterImage,
	} {
		if _, err := os.Stat(path); err != nil {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("base image not found: %s", path),
				Fatal:   false,
			})
		}
	}

	return errors
}

// HasFatal reports whether any of errors prevents startup.
func HasFatal(errors []ValidationError) bool {
	for _, e := range errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
