// Package session is the caller-facing entry point: it owns the shared package
// cache and the registered package managers, runs fetches in the background and
// forwards mutation batches to the coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	cm "github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/mutation"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/packagecache"
	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/reconciler"
)

var ErrNotRegistered = errors.New("backend not registered")

type Session struct {
	sync.RWMutex
	Cache    *packagecache.Cache
	Managers map[pm.BackendID]pm.PackageManager

	commandManager cm.CommandManager
	logger         logrus.FieldLogger
	// fetchMu orders concurrent Fetch calls; the embedded lock guards job.
	fetchMu sync.Mutex
	job     *FetchJob
}

type Option func(*Session)

func WithManagers(managers ...pm.PackageManager) Option {
	return func(s *Session) {
		for _, m := range managers {
			s.Managers[m.ID()] = m
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithCommandManager sets the command manager used by Available.
func WithCommandManager(cmdManager cm.CommandManager) Option {
	return func(s *Session) {
		s.commandManager = cmdManager
	}
}

func New(cache *packagecache.Cache, opts ...Option) *Session {
	s := &Session{
		Cache:    cache,
		Managers: make(map[pm.BackendID]pm.PackageManager),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddManager registers m, replacing any manager with the same id.
func (s *Session) AddManager(m pm.PackageManager) {
	s.Lock()
	defer s.Unlock()
	s.Managers[m.ID()] = m
}

func (s *Session) HasBackend(id pm.BackendID) bool {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.Managers[id]
	return ok
}

// Backends returns the registered ids in display order.
func (s *Session) Backends() []pm.BackendID {
	s.RLock()
	defer s.RUnlock()

	ids := make([]pm.BackendID, 0, len(s.Managers))
	for _, id := range pm.Backends {
		if _, ok := s.Managers[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) manager(id pm.BackendID) (pm.PackageManager, error) {
	s.RLock()
	defer s.RUnlock()
	m, ok := s.Managers[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	return m, nil
}

// Fetch starts a reconciliation of backend on its own goroutine. Any fetch
// still running on this session is cancelled and waited for first.
func (s *Session) Fetch(ctx context.Context, backend pm.BackendID, outdated bool) *FetchJob {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	s.Lock()
	previous := s.job
	s.job = nil
	s.Unlock()

	if previous != nil {
		previous.Cancel()
		previous.Wait()
	}

	m, err := s.manager(backend)
	if err != nil {
		return finishedJob(err)
	}

	job := startJob(ctx, reconciler.New(m, s.Cache, s.logger), outdated)
	s.Lock()
	s.job = job
	s.Unlock()
	return job
}

func (s *Session) Update(ctx context.Context, backend pm.BackendID, names []string, credential string) (mutation.Report, error) {
	return s.Run(ctx, backend, mutation.Update, names, mutation.StaticCredential(credential))
}

func (s *Session) Uninstall(ctx context.Context, backend pm.BackendID, names []string, credential string) (mutation.Report, error) {
	return s.Run(ctx, backend, mutation.Uninstall, names, mutation.StaticCredential(credential))
}

// Run applies op to names on backend. The returned error is only set when the
// backend is not registered; per-package failures are in the report.
func (s *Session) Run(ctx context.Context, backend pm.BackendID, op mutation.Operation, names []string, creds mutation.CredentialFunc) (mutation.Report, error) {
	m, err := s.manager(backend)
	if err != nil {
		return mutation.Report{Backend: backend, Operation: op}, err
	}
	return mutation.NewCoordinator(m, s.Cache, s.logger).Run(ctx, op, names, creds), nil
}

// Invalidate drops names from the backend's cache namespace so the next fetch
// describes them again. Names that were not cached are reported together.
func (s *Session) Invalidate(backend pm.BackendID, names []string) error {
	var result *multierror.Error
	for _, name := range names {
		if err := s.Cache.Remove(backend, name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Available probes every registered backend binary concurrently and returns the
// ids whose binary answered, in display order.
func (s *Session) Available(ctx context.Context) ([]pm.BackendID, error) {
	if s.commandManager == nil {
		return nil, errors.New("no command manager configured")
	}

	ids := s.Backends()
	found := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		m, err := s.manager(id)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			found[i] = s.commandManager.Available(gctx, m.Binary())
			s.logger.WithFields(logrus.Fields{"backend": id, "binary": m.Binary(), "available": found[i]}).Debug("Probed backend")
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	available := make([]pm.BackendID, 0, len(ids))
	for i, id := range ids {
		if found[i] {
			available = append(available, id)
		}
	}
	return available, nil
}
