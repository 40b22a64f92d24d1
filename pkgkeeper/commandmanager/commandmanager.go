package commandmanager

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrIncorrectPassword is returned when sudo rejects the supplied password.
	ErrIncorrectPassword = errors.New("sudo: incorrect password provided")

	// ErrNotInSudoers is returned when the invoking user may not use sudo at all.
	ErrNotInSudoers = errors.New("sudo: user is not in the sudoers file")
)

// CommandConfig describes a single external invocation.
type CommandConfig struct {
	Command string
	Args    []string
	Env     []string

	// Sudo runs the command through `sudo -S`, writing SudoPassword to its stdin.
	Sudo         bool
	SudoPassword string
}

// CommandResult encapsulates the results from a command execution.
type CommandResult struct {
	Command   string
	STDOUT    string
	STDERR    string
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

// CommandManager executes commands on the local system.
type CommandManager interface {
	// Run executes the command and returns whatever output it produced. A
	// non-nil error does not mean the result is empty: callers that can salvage
	// structured output from a failing process inspect both.
	Run(ctx context.Context, config CommandConfig) (CommandResult, error)

	// Available reports whether the binary exists and answers `--version`.
	Available(ctx context.Context, binary string) bool
}
