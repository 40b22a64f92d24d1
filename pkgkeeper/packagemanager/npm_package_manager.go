package packagemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	cm "github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
	em "github.com/steelcutops/pkgkeeper/pkgkeeper/expectmanager"
)

var (
	npmUpdated = []em.Expectation{
		{Matcher: em.MustRegexMatcher(`(?m)^(added|removed|changed|updated) \d+ packages?`), Stream: em.Combined, Description: "an npm change summary"},
		{Matcher: em.MustRegexMatcher(`(?m)^up to date`), Stream: em.Combined, Description: `"up to date"`},
	}
	npmUninstalled = npmUpdated
)

// NpmPackageManager manages globally installed npm packages. Global installs
// usually live in a root-owned prefix, so mutations go through sudo unless
// Sudo is false.
type NpmPackageManager struct {
	CommandManager cm.CommandManager
	Bin            string
	Sudo           bool
	Logger         logrus.FieldLogger
}

type npmListOutput struct {
	Dependencies json.RawMessage `json:"dependencies"`
}

type npmListDependency struct {
	Version string `json:"version"`
}

type npmOutdatedEntry struct {
	Current string `json:"current"`
	Wanted  string `json:"wanted"`
	Latest  string `json:"latest"`
}

type npmShowOutput struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	Homepage    string          `json:"homepage"`
	Author      json.RawMessage `json:"author"`
	License     json.RawMessage `json:"license"`
}

func (npm *NpmPackageManager) ID() BackendID   { return NPM }
func (npm *NpmPackageManager) Binary() string  { return npm.Bin }
func (npm *NpmPackageManager) NeedsSudo() bool { return npm.Sudo }

func (npm *NpmPackageManager) ListInstalled(ctx context.Context, outdated bool) ([]Installed, error) {
	if outdated {
		return npm.listOutdated(ctx)
	}

	installed, err := npm.listGlobal(ctx)
	if err != nil {
		return nil, &BackendUnavailableError{Backend: NPM, Op: "list", Err: err}
	}
	return installed, nil
}

func (npm *NpmPackageManager) listGlobal(ctx context.Context, names ...string) ([]Installed, error) {
	args := append([]string{"list", "--json", "--location=global"}, names...)
	output, err := npm.CommandManager.Run(ctx, cm.CommandConfig{
		Command: npm.Bin,
		Args:    args,
	})
	if err != nil {
		return nil, runError(err, output)
	}

	var list npmListOutput
	if err := json.Unmarshal([]byte(output.STDOUT), &list); err != nil {
		return nil, fmt.Errorf("parsing output: %w", err)
	}
	if len(list.Dependencies) == 0 {
		return nil, nil
	}

	keys, values, err := decodeOrdered(list.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("parsing dependencies: %w", err)
	}

	installed := make([]Installed, 0, len(keys))
	for _, name := range keys {
		var dep npmListDependency
		if err := json.Unmarshal(values[name], &dep); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		installed = append(installed, Installed{Name: name, Version: dep.Version})
	}
	return installed, nil
}

// listOutdated tolerates a non-zero exit status: npm outdated exits 1
// whenever updates exist, while still printing valid JSON.
func (npm *NpmPackageManager) listOutdated(ctx context.Context) ([]Installed, error) {
	output, err := npm.CommandManager.Run(ctx, cm.CommandConfig{
		Command: npm.Bin,
		Args:    []string{"outdated", "--json", "--location=global"},
	})

	stdout := strings.TrimSpace(output.STDOUT)
	if err != nil && (output.ExitCode <= 0 || stdout == "") {
		return nil, &BackendUnavailableError{Backend: NPM, Op: "outdated", Err: runError(err, output)}
	}
	if stdout == "" {
		return nil, nil
	}

	keys, values, parseErr := decodeOrdered([]byte(stdout))
	if parseErr != nil {
		if err != nil {
			parseErr = fmt.Errorf("%w (exit status %d)", parseErr, output.ExitCode)
		}
		return nil, &BackendUnavailableError{Backend: NPM, Op: "outdated", Err: fmt.Errorf("parsing output: %w", parseErr)}
	}
	if err != nil {
		if _, failed := values["error"]; failed {
			return nil, &BackendUnavailableError{Backend: NPM, Op: "outdated", Err: runError(err, output)}
		}
		npm.Logger.WithField("exit_code", output.ExitCode).Debug("npm outdated exited non-zero with parseable output")
	}

	installed := make([]Installed, 0, len(keys))
	for _, name := range keys {
		var entry npmOutdatedEntry
		if err := json.Unmarshal(values[name], &entry); err != nil {
			return nil, &BackendUnavailableError{Backend: NPM, Op: "outdated", Err: fmt.Errorf("parsing %s: %w", name, err)}
		}
		if entry.Current == "" {
			npm.Logger.WithField("package", name).Debug("Skipping outdated entry that is not installed")
			continue
		}
		installed = append(installed, Installed{Name: name, Version: entry.Current, Latest: entry.Latest})
	}
	return installed, nil
}

// Describe merges registry metadata from `npm show` with the globally
// installed version, which `npm show` does not report.
func (npm *NpmPackageManager) Describe(ctx context.Context, name string) (Package, error) {
	output, err := npm.CommandManager.Run(ctx, cm.CommandConfig{
		Command: npm.Bin,
		Args:    []string{"show", name, "--json"},
	})
	if err != nil {
		return Package{}, &BackendUnavailableError{Backend: NPM, Op: "show " + name, Err: runError(err, output)}
	}

	var show npmShowOutput
	if err := json.Unmarshal([]byte(output.STDOUT), &show); err != nil {
		return Package{}, &BackendUnavailableError{Backend: NPM, Op: "show " + name, Err: fmt.Errorf("parsing output: %w", err)}
	}
	if show.Name == "" {
		show.Name = name
	}

	version := show.Version
	installed, err := npm.listGlobal(ctx, name)
	if err != nil {
		npm.Logger.WithError(err).WithField("package", name).Debug("Could not read installed version, using registry version")
	}
	for _, pkg := range installed {
		if pkg.Name == name && pkg.Version != "" {
			version = pkg.Version
		}
	}

	return Package{
		Name:        show.Name,
		Version:     version,
		Description: show.Description,
		URL:         show.Homepage,
		Author:      npmPerson(show.Author),
		License:     npmLicense(show.License),
	}.withDefaults(), nil
}

func (npm *NpmPackageManager) Update(ctx context.Context, name, credential string) error {
	return npm.mutate(ctx, "update", name, credential, []string{"update", name, "--location=global"}, npmUpdated)
}

func (npm *NpmPackageManager) Uninstall(ctx context.Context, name, credential string) error {
	return npm.mutate(ctx, "uninstall", name, credential, []string{"uninstall", "-y", "--location=global", name}, npmUninstalled)
}

func (npm *NpmPackageManager) mutate(ctx context.Context, op, name, credential string, args []string, expect []em.Expectation) error {
	config := cm.CommandConfig{
		Command: npm.Bin,
		Args:    args,
	}
	if npm.Sudo {
		config.Sudo = true
		config.SudoPassword = credential
	}

	output, err := npm.CommandManager.Run(ctx, config)
	if errors.Is(err, cm.ErrIncorrectPassword) || errors.Is(err, cm.ErrNotInSudoers) {
		return &MutationError{Backend: NPM, Op: op, Name: name, Err: &BadCredentialError{Backend: NPM, Err: err}}
	}
	if err == nil {
		err = em.Confirm(output, expect...)
	}
	if err != nil {
		npm.Logger.WithFields(logrus.Fields{
			"package": name,
			"stderr":  strings.TrimSpace(output.STDERR),
		}).Debugf("npm %s not confirmed", op)
		if npm.Sudo && strings.TrimSpace(output.STDOUT) == "" && strings.TrimSpace(output.STDERR) == "" {
			// sudo swallowed everything: most likely the credential.
			err = &BadCredentialError{Backend: NPM, Err: err}
		}
		return &MutationError{Backend: NPM, Op: op, Name: name, Err: runError(err, output)}
	}
	return nil
}

// npmPerson accepts both forms of the author field: "Name <mail>" or
// {"name": ..., "email": ...}.
func npmPerson(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var person struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &person); err != nil {
		return ""
	}
	if person.Email != "" && person.Name != "" {
		return fmt.Sprintf("%s <%s>", person.Name, person.Email)
	}
	if person.Name != "" {
		return person.Name
	}
	return person.Email
}

// npmLicense accepts "MIT" and the legacy {"type": "MIT"} form.
func npmLicense(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var legacy struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return ""
	}
	return legacy.Type
}

// decodeOrdered decodes a JSON object keeping its key order, which a Go map
// would lose.
func decodeOrdered(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("expected a JSON object, got %v", tok)
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected an object key, got %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = value
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}
