package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RegistryData holds the inventory file contents.
type RegistryData struct {
	// NextSeq is the sequence number handed to the next created instance.
	// It only grows, so names are never reused.
	NextSeq   int        `json:"next_seq"`
	Instances []Instance `json:"nodes"`
}

// Registry is the single owner of the inventory file. Every mutation is a
// read-modify-write of the whole file performed under one mutex.
type Registry struct {
	mu   sync.Mutex
	path string
}

// NewRegistry creates a registry backed by the inventory file at path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// Path returns the inventory file path.
func (r *Registry) Path() string {
	return r.path
}

// load reads the inventory from disk. Caller must hold r.mu.
func (r *Registry) load() (*RegistryData, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RegistryData{NextSeq: 1, Instances: []Instance{}}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var reg RegistryData
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	for i := range reg.Instances {
		inst := &reg.Instances[i]
		if inst.Kind == "" {
			inst.Kind = KindFromName(inst.Name)
		}
		if inst.Status == "" {
			inst.Status = StatusStopped
		}
		if inst.Seq >= reg.NextSeq {
			reg.NextSeq = inst.Seq + 1
		}
	}
	if reg.NextSeq < 1 {
		reg.NextSeq = 1
	}

	return &reg, nil
}

// save writes the inventory atomically. Caller must hold r.mu.
func (r *Registry) save(reg *RegistryData) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename registry: %w", err)
	}

	return nil
}

// Snapshot returns a consistent copy of the whole inventory.
func (r *Registry) Snapshot() (*RegistryData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// List returns all instances ordered by sequence number.
func (r *Registry) List() ([]Instance, error) {
	reg, err := r.Snapshot()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reg.Instances, func(i, j int) bool {
		return reg.Instances[i].Seq < reg.Instances[j].Seq
	})
	return reg.Instances, nil
}

// Get returns an instance by name.
func (r *Registry) Get(name string) (*Instance, error) {
	reg, err := r.Snapshot()
	if err != nil {
		return nil, err
	}

	for _, inst := range reg.Instances {
		if inst.Name == name {
			return &inst, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// NextSeq reserves and persists the next sequence number. A reserved number
// is burned even when the caller never adds the instance.
func (r *Registry) NextSeq() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.load()
	if err != nil {
		return 0, err
	}
	seq := reg.NextSeq
	reg.NextSeq++
	if err := r.save(reg); err != nil {
		return 0, err
	}
	return seq, nil
}

// Add inserts a new instance. The name must be unused.
func (r *Registry) Add(inst Instance) error {
	if !inst.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, inst.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.load()
	if err != nil {
		return err
	}

	for _, existing := range reg.Instances {
		if existing.Name == inst.Name {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.Name)
		}
	}

	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	if inst.Status == "" {
		inst.Status = StatusStopped
	}
	if inst.Seq >= reg.NextSeq {
		reg.NextSeq = inst.Seq + 1
	}

	reg.Instances = append(reg.Instances, inst)
	return r.save(reg)
}

// Update applies fn to the named instance and persists the result atomically.
// When fn returns an error nothing is written.
func (r *Registry) Update(name string, fn func(*Instance) error) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.load()
	if err != nil {
		return nil, err
	}

	for i := range reg.Instances {
		if reg.Instances[i].Name != name {
			continue
		}
		if err := fn(&reg.Instances[i]); err != nil {
			return nil, err
		}
		if err := r.save(reg); err != nil {
			return nil, err
		}
		updated := reg.Instances[i]
		return &updated, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// SetStatus records a status transition. Leaving the running state clears ports.
func (r *Registry) SetStatus(name string, status Status) (*Instance, error) {
	return r.Update(name, func(inst *Instance) error {
		inst.Status = status
		if status == StatusStopped {
			inst.Ports = Ports{}
		}
		return nil
	})
}

// FindByKind returns the instances of the given kind.
func (r *Registry) FindByKind(kind Kind) ([]Instance, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []Instance
	for _, inst := range all {
		if inst.Kind == kind {
			out = append(out, inst)
		}
	}
	return out, nil
}
