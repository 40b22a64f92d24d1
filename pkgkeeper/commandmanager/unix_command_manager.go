package commandmanager

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single external invocation when none is configured.
const DefaultTimeout = 10 * time.Minute

type UnixCommandManager struct {
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

func NewUnixCommandManager(timeout time.Duration, logger logrus.FieldLogger) *UnixCommandManager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UnixCommandManager{Timeout: timeout, Logger: logger}
}

func (u *UnixCommandManager) Run(ctx context.Context, config CommandConfig) (CommandResult, error) {
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	start := time.Now()

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	if config.Sudo {
		// An empty prompt keeps sudo's "Password:" banner out of the captured output.
		cmdArgs := append([]string{"sudo", "-S", "-p", "", config.Command}, config.Args...)
		cmd = exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)

		cmd.Stdin = strings.NewReader(config.SudoPassword + "\n")
	}
	if len(config.Env) > 0 {
		cmd.Env = append(os.Environ(), config.Env...)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := CommandResult{
		Command:   strings.Join(cmd.Args, " "),
		STDOUT:    stdout.String(),
		STDERR:    stderr.String(),
		ExitCode:  getExitCode(err),
		Duration:  time.Since(start),
		Timestamp: start,
	}

	u.logger().WithFields(logrus.Fields{
		"command":   config.Command,
		"args":      config.Args,
		"sudo":      config.Sudo,
		"exit_code": result.ExitCode,
		"duration":  result.Duration,
	}).Debug("Command finished")

	if config.Sudo {
		if sudoErr := sudoError(result); sudoErr != nil {
			return result, sudoErr
		}
	}

	return result, err
}

func (u *UnixCommandManager) Available(ctx context.Context, binary string) bool {
	if _, err := exec.LookPath(binary); err != nil {
		return false
	}
	_, err := u.Run(ctx, CommandConfig{Command: binary, Args: []string{"--version"}})
	return err == nil
}

func (u *UnixCommandManager) logger() logrus.FieldLogger {
	if u.Logger == nil {
		return logrus.StandardLogger()
	}
	return u.Logger
}

// sudoError maps sudo's own diagnostics to sentinel errors. sudo writes them to
// stderr, but some configurations echo them on stdout too.
func sudoError(result CommandResult) error {
	output := result.STDOUT + "\n" + result.STDERR
	switch {
	case strings.Contains(output, "incorrect password"),
		strings.Contains(output, "Sorry, try again"):
		return ErrIncorrectPassword
	case strings.Contains(output, "is not in the sudoers file"):
		return ErrNotInSudoers
	}
	return nil
}

func getExitCode(err error) int {
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
