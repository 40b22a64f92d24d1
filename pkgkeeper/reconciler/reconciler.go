// Package reconciler merges a package manager's live view with the package
// cache.
//
// For every package the live system reports, in reported order:
//
//  1. not cached: describe it, cache it, return it;
//  2. cached under a different version (drift): describe it again, overwrite
//     the cache entry, return it;
//  3. cached under the same version: return the cached record without
//     describing it.
//
// In the outdated view the returned record's version is decorated as
// "<installed> -> <latest>" after the cache write, so the cache only ever holds
// installed versions.
package reconciler

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/steelcutops/pkgkeeper/pkgkeeper/packagecache"
	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
)

// ProgressFunc receives the percentage of packages processed so far.
type ProgressFunc func(percent int)

type Reconciler struct {
	Manager pm.PackageManager
	Cache   *packagecache.Cache
	Logger  logrus.FieldLogger
}

func New(manager pm.PackageManager, cache *packagecache.Cache, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		Manager: manager,
		Cache:   cache,
		Logger:  logger.WithField("backend", manager.ID()),
	}
}

// Decorate renders the outdated-view version string.
func Decorate(installed, latest string) string {
	return installed + decoration + latest
}

const decoration = " -> "

// Undecorate splits a decorated version. ok is false for a plain version.
func Undecorate(version string) (installed, latest string, ok bool) {
	installed, latest, ok = strings.Cut(version, decoration)
	if !ok {
		return version, "", false
	}
	return installed, latest, true
}

// Fetch returns one record per live package. progress may be nil. Any error
// aborts the whole fetch and no records are returned; cache entries written
// before the failure stay, as each was true when written.
func (r *Reconciler) Fetch(ctx context.Context, outdated bool, progress ProgressFunc) ([]pm.Package, error) {
	backend := r.Manager.ID()

	live, err := r.Manager.ListInstalled(ctx, outdated)
	if err != nil {
		return nil, err
	}

	packages := make([]pm.Package, 0, len(live))
	if len(live) == 0 {
		return packages, nil
	}

	report := newProgress(progress)
	report.emit(0)

	var described int
	for i, installed := range live {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pkg, fresh, err := r.reconcile(ctx, backend, installed)
		if err != nil {
			return nil, err
		}
		if fresh {
			described++
		}

		if outdated && installed.Latest != "" {
			pkg.Version = Decorate(pkg.Version, installed.Latest)
		}
		packages = append(packages, pkg)

		report.emit((i + 1) * 100 / len(live))
	}

	r.Logger.WithFields(logrus.Fields{
		"packages":  len(packages),
		"described": described,
		"outdated":  outdated,
	}).Info("Fetched packages")
	return packages, nil
}

// reconcile resolves one live entry and reports whether it had to be described.
func (r *Reconciler) reconcile(ctx context.Context, backend pm.BackendID, installed pm.Installed) (pm.Package, bool, error) {
	logger := r.Logger.WithField("package", installed.Name)

	cached, err := r.Cache.Get(backend, installed.Name)
	if err == nil && cached.Version == installed.Version {
		return cached, false, nil
	}

	if err == nil {
		logger.WithFields(logrus.Fields{"cached": cached.Version, "live": installed.Version}).Debug("Version drift, refreshing")
	} else {
		logger.Debug("Not cached, describing")
	}

	pkg, err := r.Manager.Describe(ctx, installed.Name)
	if err != nil {
		return pm.Package{}, false, err
	}
	// The cache key and drift signal are the live name and version, whatever
	// the describe output spelled them as.
	pkg.Name = installed.Name
	if installed.Version != "" {
		pkg.Version = installed.Version
	}

	if err := r.Cache.Put(backend, pkg); err != nil {
		return pm.Package{}, false, fmt.Errorf("caching %s: %w", installed.Name, err)
	}
	return pkg, true, nil
}

// progress drops repeats so listeners see a strictly increasing sequence.
type progress struct {
	fn   ProgressFunc
	last int
}

func newProgress(fn ProgressFunc) *progress {
	return &progress{fn: fn, last: -1}
}

func (p *progress) emit(percent int) {
	if p.fn == nil || percent <= p.last {
		return
	}
	p.last = percent
	p.fn(percent)
}
