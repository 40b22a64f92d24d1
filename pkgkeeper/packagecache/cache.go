// Package packagecache is the durable, advisory metadata cache shared by every
// backend. Entries are hints that were true at some past fetch; they are never
// proof that the live system still matches.
package packagecache

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found in cache")

type NotFoundError struct {
	Backend pm.BackendID
	Name    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: package %s not found in cache", e.Backend, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Cache serialises every read and write behind one mutex and persists the whole
// snapshot synchronously after each mutation.
type Cache struct {
	mu       sync.RWMutex
	store    Store
	snapshot Snapshot
	logger   logrus.FieldLogger
}

type Option func(*Cache)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New loads the cache from store. When nothing is persisted yet, an empty
// namespace per known backend is created and saved immediately.
func New(store Store, opts ...Option) (*Cache, error) {
	c := &Cache{store: store, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Load(); err != nil {
		return nil, err
	}
	return c, nil
}

func emptySnapshot() Snapshot {
	s := make(Snapshot, len(pm.Backends))
	for _, backend := range pm.Backends {
		s[backend] = make(map[string]pm.Package)
	}
	return s
}

func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, err := c.store.Load()
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Debug("No persisted cache, initialising an empty one")
		c.snapshot = emptySnapshot()
		return c.save()
	}
	if err != nil {
		return fmt.Errorf("loading cache: %w", err)
	}

	if snapshot == nil {
		snapshot = make(Snapshot)
	}
	for _, backend := range pm.Backends {
		if snapshot[backend] == nil {
			snapshot[backend] = make(map[string]pm.Package)
		}
	}
	// A namespace persisted as null decodes to a nil map.
	for backend, packages := range snapshot {
		if packages == nil {
			snapshot[backend] = make(map[string]pm.Package)
		}
	}
	c.snapshot = snapshot
	return nil
}

func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.save()
}

func (c *Cache) save() error {
	if err := c.store.Save(c.snapshot); err != nil {
		return fmt.Errorf("saving cache: %w", err)
	}
	return nil
}

func (c *Cache) Get(backend pm.BackendID, name string) (pm.Package, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pkg, ok := c.snapshot[backend][name]
	if !ok {
		return pm.Package{}, &NotFoundError{Backend: backend, Name: name}
	}
	return pkg, nil
}

func (c *Cache) Has(backend pm.BackendID, name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.snapshot[backend][name]
	return ok
}

// Put stores pkg under its name, replacing any previous record.
func (c *Cache) Put(backend pm.BackendID, pkg pm.Package) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	packages := c.snapshot[backend]
	if packages == nil {
		packages = make(map[string]pm.Package)
		c.snapshot[backend] = packages
	}
	previous, existed := packages[pkg.Name]
	packages[pkg.Name] = pkg

	if err := c.save(); err != nil {
		if existed {
			packages[pkg.Name] = previous
		} else {
			delete(packages, pkg.Name)
		}
		return err
	}

	c.logger.WithFields(logrus.Fields{"backend": backend, "package": pkg.Name, "purl": pkg.PURL(backend)}).Debug("Cached package")
	return nil
}

func (c *Cache) Remove(backend pm.BackendID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous, ok := c.snapshot[backend][name]
	if !ok {
		return &NotFoundError{Backend: backend, Name: name}
	}
	delete(c.snapshot[backend], name)

	if err := c.save(); err != nil {
		c.snapshot[backend][name] = previous
		return err
	}

	c.logger.WithFields(logrus.Fields{"backend": backend, "package": name}).Debug("Evicted package")
	return nil
}

// Names returns the cached package names of backend, sorted.
func (c *Cache) Names(backend pm.BackendID) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.snapshot[backend]))
	for name := range c.snapshot[backend] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Cache) Len(backend pm.BackendID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot[backend])
}
