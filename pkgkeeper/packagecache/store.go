package packagecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
)

// Snapshot is the whole persisted cache: backend -> package name -> record.
type Snapshot map[pm.BackendID]map[string]pm.Package

// Store persists a Snapshot. Load returns an error wrapping os.ErrNotExist when
// nothing has been persisted yet.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// FileStore keeps the snapshot in a single file. The encoding follows the
// extension: YAML for .yaml/.yml, indented JSON otherwise.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) yaml() bool {
	ext := strings.ToLower(filepath.Ext(f.Path))
	return ext == ".yaml" || ext == ".yml"
}

func (f *FileStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}

	snapshot := make(Snapshot)
	if f.yaml() {
		err = yaml.Unmarshal(data, &snapshot)
	} else {
		err = json.Unmarshal(data, &snapshot)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.Path, err)
	}
	return snapshot, nil
}

// Save writes to a temporary file next to Path and renames it into place, so a
// crash mid-write leaves the previous snapshot intact.
func (f *FileStore) Save(snapshot Snapshot) error {
	var (
		data []byte
		err  error
	)
	if f.yaml() {
		data, err = yaml.Marshal(snapshot)
	} else {
		data, err = json.MarshalIndent(snapshot, "", "    ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// MemoryStore keeps the snapshot in memory. Saves counts persists, which
// tests use to check the save-on-every-mutation rule.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot Snapshot
	Saves    int
}

func (m *MemoryStore) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, fmt.Errorf("memory store: %w", os.ErrNotExist)
	}
	return m.snapshot.clone(), nil
}

func (m *MemoryStore) Save(snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snapshot.clone()
	m.Saves++
	return nil
}

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for backend, packages := range s {
		inner := make(map[string]pm.Package, len(packages))
		for name, pkg := range packages {
			inner[name] = pkg
		}
		out[backend] = inner
	}
	return out
}
