package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/javanstorm/nodelab/internal/vm"
)

func TestTestConfig(t *testing.T) {
	cfg := TestConfig(t)

	for _, dir := range []string{cfg.DataDir, cfg.OverlayDir, cfg.RunDir()} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("%s does not exist", dir)
		}
	}
	for _, image := range []string{cfg.NodeImage, cfg.RouterImage} {
		if _, err := os.Stat(image); err != nil {
			t.Errorf("base image %s missing: %v", image, err)
		}
	}
	if cfg.EnableKVM {
		t.Error("tests must not require KVM")
	}
}

func TestCreateTestDisk(t *testing.T) {
	tmpDir := t.TempDir()
	diskPath := filepath.Join(tmpDir, "test.raw")
	sizeMB := int64(10)

	CreateTestDisk(t, diskPath, sizeMB)

	// Verify file exists
	info, err := os.Stat(diskPath)
	if err != nil {
		t.Fatalf("disk file should exist: %v", err)
	}

	// Verify size (sparse file reports full size)
	expectedBytes := sizeMB * 1024 * 1024
	if info.Size() != expectedBytes {
		t.Errorf("disk size = %d, want %d", info.Size(), expectedBytes)
	}
}

func TestOverlayStore(t *testing.T) {
	cfg := TestConfig(t)
	store := OverlayStore(cfg)

	path, err := store.Create(context.Background(), "node_1", vm.KindNode)
	if err != nil {
		t.Fatalf("create overlay: %v", err)
	}
	if err := store.Verify(path); err != nil {
		t.Errorf("overlay not usable: %v", err)
	}
}

func TestWriteInventory(t *testing.T) {
	cfg := TestConfig(t)

	WriteInventory(t, cfg, &vm.RegistryData{
		NextSeq:   3,
		Instances: []vm.Instance{{Name: "node_2", Kind: vm.KindNode, Seq: 2}},
	})

	inst, err := vm.NewRegistry(cfg.RegistryPath()).Get("node_2")
	if err != nil {
		t.Fatalf("read back inventory: %v", err)
	}
	if inst.Status != vm.StatusStopped {
		t.Errorf("status = %s, want stopped", inst.Status)
	}
}
