package vm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CommandRunner executes an external tool and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// OverlayStore manages copy-on-write qcow2 overlays derived from one shared
// base image per kind.
type OverlayStore struct {
	dir     string
	bases   map[Kind]string
	qemuImg string
	run     CommandRunner
}

// NewOverlayStore creates an overlay store writing into dir.
func NewOverlayStore(dir, qemuImg string, bases map[Kind]string) *OverlayStore {
	return &OverlayStore{
		dir:     dir,
		bases:   bases,
		qemuImg: qemuImg,
		run:     ExecRunner,
	}
}

// WithRunner replaces the command runner, mostly for tests.
func (s *OverlayStore) WithRunner(run CommandRunner) *OverlayStore {
	s.run = run
	return s
}

// Path returns the overlay path for an instance name.
func (s *OverlayStore) Path(name string) string {
	return filepath.Join(s.dir, name+".qcow2")
}

// BasePath returns the base image for kind.
func (s *OverlayStore) BasePath(kind Kind) (string, error) {
	base, ok := s.bases[kind]
	if !ok || base == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	return base, nil
}

// Create ensures an overlay exists for name. An existing non-empty overlay is
// returned as is; a zero-byte leftover is replaced.
func (s *OverlayStore) Create(ctx context.Context, name string, kind Kind) (string, error) {
	path := s.Path(name)

	switch err := s.Verify(path); {
	case err == nil:
		return path, nil
	case err == ErrOverlayZeroSized:
		log.WithField("path", path).Warn("replacing empty overlay")
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("%w: remove empty overlay: %v", ErrOverlayCreate, err)
		}
	case err != ErrOverlayMissing:
		return "", fmt.Errorf("%w: %v", ErrOverlayCreate, err)
	}

	if err := s.create(ctx, path, kind); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{
		"name": name,
		"kind": kind,
		"path": path,
	}).Info("overlay created")
	return path, nil
}

// Wipe destroys the overlay at path and immediately recreates it empty from
// the base image of kind.
func (s *OverlayStore) Wipe(ctx context.Context, path string, kind Kind) error {
	if err := s.checkPath(path); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete overlay: %w", err)
	}

	if err := s.create(ctx, path, kind); err != nil {
		return err
	}
	log.WithField("path", path).Info("overlay wiped")
	return nil
}

// Verify checks that an overlay exists and is not empty.
func (s *OverlayStore) Verify(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrOverlayMissing
		}
		return err
	}
	if info.Size() == 0 {
		return ErrOverlayZeroSized
	}
	return nil
}

func (s *OverlayStore) create(ctx context.Context, path string, kind Kind) error {
	base, err := s.BasePath(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOverlayCreate, err)
	}
	if _, err := os.Stat(base); err != nil {
		return fmt.Errorf("%w: %w: %s", ErrOverlayCreate, ErrBaseImageMissing, base)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: create overlay dir: %v", ErrOverlayCreate, err)
	}

	out, err := s.run(ctx, s.qemuImg, "create", "-f", "qcow2", "-b", base, "-F", "qcow2", path)
	if err != nil {
		// qemu-img may leave a truncated file behind.
		os.Remove(path)
		return fmt.Errorf("%w: %s: %v: %s", ErrOverlayCreate, s.qemuImg, err, strings.TrimSpace(string(out)))
	}

	if err := s.Verify(path); err != nil {
		return fmt.Errorf("%w: %v", ErrOverlayCreate, err)
	}
	return nil
}

// checkPath refuses to touch files outside the overlay directory.
func (s *OverlayStore) checkPath(path string) error {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s", ErrOverlayOutsideRoot, path)
	}
	return nil
}
