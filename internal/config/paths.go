// Package config provides configuration management for nodelab.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for nodelab.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/nodelab
	// Linux: ~/.config/nodelab (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir is the directory for the registry, overlays and images.
	// All platforms: ~/.nodelab
	DataDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for nodelab.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}
	p.DataDir = filepath.Join(home, ".nodelab")

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "nodelab")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "nodelab")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "nodelab")
		}
	}

	p.ConfigFile = filepath.Join(p.DataDir, "config.yaml")

	return p, nil
}

// EnsureDirectories creates the data, overlay, image and run directories of cfg.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.OverlayDir, c.ImageDir, c.RunDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
