package mutation

import (
	"context"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/steelcutops/pkgkeeper/pkgkeeper/packagecache"
	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
)

type Operation int

const (
	Update Operation = iota
	Uninstall
)

func (op Operation) String() string {
	switch op {
	case Update:
		return "update"
	case Uninstall:
		return "uninstall"
	}
	return fmt.Sprintf("operation(%d)", int(op))
}

// CredentialFunc supplies the elevation credential. It is called at most once
// per batch, and only for backends that need elevation.
type CredentialFunc func() (string, error)

// StaticCredential returns a CredentialFunc that always yields credential.
func StaticCredential(credential string) CredentialFunc {
	return func() (string, error) {
		return credential, nil
	}
}

// Outcome is the result for one package; Err is nil on confirmed success.
type Outcome struct {
	Name string
	Err  error
}

type Report struct {
	Backend   pm.BackendID
	Operation Operation
	Outcomes  []Outcome
}

func (r Report) Succeeded() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Err == nil {
			names = append(names, o.Name)
		}
	}
	return names
}

func (r Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Err aggregates every per-package failure, or returns nil when all succeeded.
func (r Report) Err() error {
	var result *multierror.Error
	for _, o := range r.Failed() {
		result = multierror.Append(result, o.Err)
	}
	return result.ErrorOrNil()
}

// Coordinator runs a mutation batch against one backend and keeps the cache
// consistent with whatever succeeded.
type Coordinator struct {
	Manager pm.PackageManager
	Cache   *packagecache.Cache
	Logger  logrus.FieldLogger
}

func NewCoordinator(manager pm.PackageManager, cache *packagecache.Cache, logger logrus.FieldLogger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		Manager: manager,
		Cache:   cache,
		Logger:  logger.WithField("backend", manager.ID()),
	}
}

// Run applies op to every name in order. A failure never stops the batch.
// Successful uninstalls are evicted from the cache; successful updates are left
// for the next fetch to detect as drift.
func (c *Coordinator) Run(ctx context.Context, op Operation, names []string, creds CredentialFunc) Report {
	report := Report{Backend: c.Manager.ID(), Operation: op, Outcomes: make([]Outcome, 0, len(names))}
	if len(names) == 0 {
		return report
	}

	var credential string
	if c.Manager.NeedsSudo() && creds != nil {
		var err error
		credential, err = creds()
		if err != nil {
			err = fmt.Errorf("obtaining credential: %w", err)
			for _, name := range names {
				report.Outcomes = append(report.Outcomes, Outcome{Name: name, Err: err})
			}
			return report
		}
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			report.Outcomes = append(report.Outcomes, Outcome{Name: name, Err: err})
			continue
		}
		report.Outcomes = append(report.Outcomes, Outcome{Name: name, Err: c.apply(ctx, op, name, credential)})
	}

	c.Logger.WithFields(logrus.Fields{
		"operation": op,
		"succeeded": len(report.Succeeded()),
		"failed":    len(report.Failed()),
	}).Info("Mutation batch finished")
	return report
}

func (c *Coordinator) apply(ctx context.Context, op Operation, name, credential string) error {
	logger := c.Logger.WithFields(logrus.Fields{"package": name, "operation": op})

	var err error
	switch op {
	case Update:
		err = c.Manager.Update(ctx, name, credential)
	case Uninstall:
		err = c.Manager.Uninstall(ctx, name, credential)
	default:
		err = fmt.Errorf("unsupported operation %s", op)
	}
	if err != nil {
		logger.WithError(err).Warn("Mutation failed")
		return err
	}

	logger.Info("Mutation confirmed")
	if op == Uninstall && c.Cache.Has(c.Manager.ID(), name) {
		if err := c.Cache.Remove(c.Manager.ID(), name); err != nil {
			return fmt.Errorf("%s succeeded but the cache entry could not be removed: %w", op, err)
		}
	}
	return nil
}
