package packagemanager

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	cm "github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
)

type Option func(*options)

type options struct {
	binary string
	sudo   bool
	logger logrus.FieldLogger
}

// WithBinary overrides the executable used for the backend.
func WithBinary(binary string) Option {
	return func(o *options) {
		o.binary = binary
	}
}

// WithSudo controls whether mutations are run through sudo. Only npm honours it.
func WithSudo(sudo bool) Option {
	return func(o *options) {
		o.sudo = sudo
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New builds the package manager for id.
func New(id BackendID, cmdManager cm.CommandManager, opts ...Option) (PackageManager, error) {
	if cmdManager == nil {
		return nil, errors.New("command manager is required")
	}

	o := options{sudo: true, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.WithField("backend", id)

	switch id {
	case PyPI:
		bin := o.binary
		if bin == "" {
			bin = "pip3"
		}
		return &PipPackageManager{CommandManager: cmdManager, Bin: bin, Logger: logger}, nil
	case NPM:
		bin := o.binary
		if bin == "" {
			bin = "npm"
		}
		return &NpmPackageManager{CommandManager: cmdManager, Bin: bin, Sudo: o.sudo, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported backend: %q", id)
	}
}
