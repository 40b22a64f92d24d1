package packagemanager

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	cm "github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
	em "github.com/steelcutops/pkgkeeper/pkgkeeper/expectmanager"
)

var pipEnv = []string{"PIP_DISABLE_PIP_VERSION_CHECK=1"}

var (
	pipInstalled = []em.Expectation{
		{Matcher: em.MustRegexMatcher(`(?m)^Successfully installed `), Description: `"Successfully installed"`},
		{Matcher: em.MustRegexMatcher(`(?mi)^Requirement already satisfied: `), Description: `"Requirement already satisfied"`},
	}
	pipUninstalled = []em.Expectation{
		{Matcher: em.MustRegexMatcher(`(?m)^\s*Successfully uninstalled `), Description: `"Successfully uninstalled"`},
	}
)

// PipPackageManager manages packages installed with pip. It never elevates.
type PipPackageManager struct {
	CommandManager cm.CommandManager
	Bin            string
	Logger         logrus.FieldLogger
}

type pipListEntry struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	LatestVersion string `json:"latest_version"`
}

func (ppm *PipPackageManager) ID() BackendID   { return PyPI }
func (ppm *PipPackageManager) Binary() string  { return ppm.Bin }
func (ppm *PipPackageManager) NeedsSudo() bool { return false }

func (ppm *PipPackageManager) ListInstalled(ctx context.Context, outdated bool) ([]Installed, error) {
	args := []string{"list", "--format=json"}
	if outdated {
		args = append(args, "--outdated")
	}

	output, err := ppm.CommandManager.Run(ctx, cm.CommandConfig{
		Command: ppm.Bin,
		Args:    args,
		Env:     pipEnv,
	})
	if err != nil {
		return nil, &BackendUnavailableError{Backend: PyPI, Op: "list", Err: runError(err, output)}
	}

	var entries []pipListEntry
	if err := json.Unmarshal([]byte(output.STDOUT), &entries); err != nil {
		return nil, &BackendUnavailableError{Backend: PyPI, Op: "list", Err: fmt.Errorf("parsing output: %w", err)}
	}

	packages := make([]Installed, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		packages = append(packages, Installed{
			Name:    entry.Name,
			Version: entry.Version,
			Latest:  entry.LatestVersion,
		})
	}
	return packages, nil
}

func (ppm *PipPackageManager) Describe(ctx context.Context, name string) (Package, error) {
	output, err := ppm.CommandManager.Run(ctx, cm.CommandConfig{
		Command: ppm.Bin,
		Args:    []string{"show", name},
		Env:     pipEnv,
	})
	if err != nil {
		return Package{}, &BackendUnavailableError{Backend: PyPI, Op: "show " + name, Err: runError(err, output)}
	}

	pkg, err := parsePipShow(output.STDOUT)
	if err != nil {
		return Package{}, &BackendUnavailableError{Backend: PyPI, Op: "show " + name, Err: err}
	}
	return pkg, nil
}

// parsePipShow reads the "Key: value" block printed by `pip show`.
func parsePipShow(output string) (Package, error) {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "---" {
			// pip separates multiple packages this way; only the first is ours.
			break
		}
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if _, seen := fields[key]; !seen {
			fields[key] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return Package{}, err
	}

	if fields["Name"] == "" {
		return Package{}, errors.New("no package name in output")
	}

	author := fields["Author"]
	if author == "" {
		author = fields["Author-email"]
	}
	license := fields["License-Expression"]
	if license == "" {
		license = fields["License"]
	}

	return Package{
		Name:        fields["Name"],
		Version:     fields["Version"],
		Description: fields["Summary"],
		URL:         fields["Home-page"],
		Author:      author,
		License:     license,
	}.withDefaults(), nil
}

func (ppm *PipPackageManager) Update(ctx context.Context, name, _ string) error {
	return ppm.mutate(ctx, "update", name, []string{"install", "-U", name}, pipInstalled)
}

func (ppm *PipPackageManager) Uninstall(ctx context.Context, name, _ string) error {
	return ppm.mutate(ctx, "uninstall", name, []string{"uninstall", "-y", name}, pipUninstalled)
}

func (ppm *PipPackageManager) mutate(ctx context.Context, op, name string, args []string, expect []em.Expectation) error {
	output, err := ppm.CommandManager.Run(ctx, cm.CommandConfig{
		Command: ppm.Bin,
		Args:    args,
		Env:     pipEnv,
	})
	if err == nil {
		err = em.Confirm(output, expect...)
	}
	if err != nil {
		ppm.Logger.WithFields(logrus.Fields{
			"package": name,
			"stderr":  strings.TrimSpace(output.STDERR),
		}).Debugf("pip %s not confirmed", op)
		return &MutationError{Backend: PyPI, Op: op, Name: name, Err: runError(err, output)}
	}
	return nil
}

// runError appends the tail of stderr to a process error so the caller sees
// why the tool failed.
func runError(err error, output cm.CommandResult) error {
	stderr := strings.TrimSpace(output.STDERR)
	if stderr == "" {
		return err
	}
	if i := strings.LastIndex(stderr, "\n"); i >= 0 {
		stderr = stderr[i+1:]
	}
	return fmt.Errorf("%w: %s", err, stderr)
}
