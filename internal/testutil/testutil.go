// Package testutil provides common test helpers for nodelab tests.
package testutil

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/nodelab/internal/config"
	"github.com/javanstorm/nodelab/internal/vm"
)

// TestConfig returns a Config rooted in t.TempDir() with small sparse base
// images in place, ensuring automatic cleanup.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.ImageDir = filepath.Join(dir, "images")
	cfg.OverlayDir = filepath.Join(dir, "overlays")
	cfg.NodeImage = filepath.Join(cfg.ImageDir, "base2.qcow2")
	cfg.RouterImage = filepath.Join(cfg.ImageDir, "router.qcow2")
	cfg.EnableKVM = false
	cfg.MemoryMB = 256

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("failed to create directories: %v", err)
	}
	CreateTestDisk(t, cfg.NodeImage, 1)
	CreateTestDisk(t, cfg.RouterImage, 1)
	return cfg
}

// CreateTestDisk creates a sparse disk file at the given path with the specified size.
// The file is created as a sparse file, so it doesn't actually allocate all the space.
func CreateTestDisk(t *testing.T, path string, sizeMB int64) {
	t.Helper()

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	// Create sparse file by truncating to desired size
	sizeBytes := sizeMB * 1024 * 1024
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// FakeQemuImg stands in for "qemu-img create": it writes a small non-empty
// file at the target path, the last argument.
func FakeQemuImg(_ context.Context, name string, args ...string) ([]byte, error) {
	path := args[len(args)-1]
	return nil, os.WriteFile(path, []byte("QFI\xfb"), 0644)
}

// OverlayStore returns an overlay store for cfg backed by FakeQemuImg.
func OverlayStore(cfg *config.Config) *vm.OverlayStore {
	return vm.NewOverlayStore(cfg.OverlayDir, cfg.QEMUImgBinary, map[vm.Kind]string{
		vm.KindNode:   cfg.NodeImage,
		vm.KindRouter: cfg.RouterImage,
	}).WithRunner(FakeQemuImg)
}

// WriteInventory writes data as the inventory file of cfg and returns its path.
func WriteInventory(t *testing.T, cfg *config.Config, data *vm.RegistryData) string {
	t.Helper()

	path := cfg.RegistryPath()
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal inventory: %v", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatalf("failed to write inventory file: %v", err)
	}
	return path
}
