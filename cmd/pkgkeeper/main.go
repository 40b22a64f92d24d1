package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/steelcutops/pkgkeeper/logger"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/config"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/mutation"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/packagecache"
	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/reconciler"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/session"
)

type flags struct {
	Backend            string
	ConfigPath         string
	Debug              bool
	Invalidate         namesValue
	JSON               bool
	ListBackends       bool
	ListOutdated       bool
	ListPackages       bool
	LogFileName        string
	SudoPasswordPrompt bool
	Uninstall          namesValue
	Update             namesValue
}

// namesValue collects package names from repeated or comma-separated flags.
type namesValue []string

func (n *namesValue) String() string {
	return strings.Join(*n, ",")
}

func (n *namesValue) Set(value string) error {
	*n = append(*n, parseNames(value)...)
	return nil
}

func parseNames(value string) []string {
	var names []string
	for _, name := range strings.Split(value, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("pkgkeeper", flag.ContinueOnError)
	fs.BoolVar(&f.Debug, "debug", false, "Enable debug log level")
	fs.BoolVar(&f.JSON, "json", false, "Print packages as JSON")
	fs.BoolVar(&f.ListBackends, "backends", false, "List configured backends and whether their binary is usable")
	fs.BoolVar(&f.ListOutdated, "outdated", false, "List packages with a newer version available")
	fs.BoolVar(&f.ListPackages, "list", false, "List installed packages")
	fs.BoolVar(&f.SudoPasswordPrompt, "sudo-password", false, "Prompt for the sudo password before elevated operations")
	fs.StringVar(&f.Backend, "backend", "", "Backend to act on (pypi or npm); list actions default to every enabled backend")
	fs.StringVar(&f.ConfigPath, "config", config.DefaultPath, "Path to INI configuration file")
	fs.StringVar(&f.LogFileName, "log", "", "Log file name (default stderr)")
	fs.Var(&f.Invalidate, "invalidate", "Comma-separated packages to drop from the cache")
	fs.Var(&f.Uninstall, "uninstall", "Comma-separated packages to uninstall")
	fs.Var(&f.Update, "update", "Comma-separated packages to update")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func configureLogger(f *flags) (*logrus.Logger, io.Closer, error) {
	opts := logger.Options{Debug: f.Debug}
	var closer io.Closer = io.NopCloser(nil)
	if f.LogFileName != "" {
		file, err := logger.OpenFile(f.LogFileName)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		opts.Output = file
		closer = file
	}

	log := logger.New(opts)
	if f.Debug {
		log.Debug("Debug mode enabled")
	}
	return log, closer, nil
}

// readSudoPassword prompts once and remembers the answer for later batches.
func readSudoPassword(enabled bool) mutation.CredentialFunc {
	var (
		read     bool
		password string
	)
	return func() (string, error) {
		if !enabled || read {
			return password, nil
		}
		fmt.Fprint(os.Stderr, "Enter the sudo password: ")
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading sudo password: %w", err)
		}
		read, password = true, string(passwordBytes)
		return password, nil
	}
}

func buildSession(cfg *config.Config, log *logrus.Logger) (*session.Session, error) {
	cache, err := packagecache.New(packagecache.NewFileStore(cfg.CachePath), packagecache.WithLogger(log))
	if err != nil {
		return nil, err
	}

	cmdManager := commandmanager.NewUnixCommandManager(cfg.Timeout, log)
	s := session.New(cache, session.WithLogger(log), session.WithCommandManager(cmdManager))

	for _, id := range cfg.Enabled() {
		bc := cfg.Backends[id]
		m, err := pm.New(id, cmdManager, pm.WithBinary(bc.Binary), pm.WithSudo(bc.Sudo), pm.WithLogger(log))
		if err != nil {
			return nil, err
		}
		s.AddManager(m)
	}
	return s, nil
}

// selectBackends resolves -backend against the session. With no -backend and
// all allowed, every registered backend is returned.
func selectBackends(s *session.Session, name string, all bool) ([]pm.BackendID, error) {
	if name == "" {
		if !all {
			return nil, errors.New("-backend is required for this action")
		}
		return s.Backends(), nil
	}
	id, err := pm.ParseBackendID(name)
	if err != nil {
		return nil, err
	}
	if !s.HasBackend(id) {
		return nil, fmt.Errorf("backend %s is disabled", id)
	}
	return []pm.BackendID{id}, nil
}

type packageRow struct {
	Backend     pm.BackendID `json:"backend"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Latest      string       `json:"latest,omitempty"`
	Update      string       `json:"update,omitempty"`
	Description string       `json:"description"`
	URL         string       `json:"url"`
	Author      string       `json:"author"`
	License     string       `json:"license"`
	PURL        string       `json:"purl"`
}

func toRows(backend pm.BackendID, packages []pm.Package) []packageRow {
	rows := make([]packageRow, 0, len(packages))
	for _, p := range packages {
		installed, latest, outdated := reconciler.Undecorate(p.Version)
		row := packageRow{
			Backend:     backend,
			Name:        p.Name,
			Version:     installed,
			Latest:      latest,
			Description: p.Description,
			URL:         p.URL,
			Author:      p.Author,
			License:     p.License,
		}
		if outdated {
			row.Update = string(pm.Installed{Name: p.Name, Version: installed, Latest: latest}.UpdateKind())
		}
		plain := p
		plain.Version = installed
		row.PURL = plain.PURL(backend)
		rows = append(rows, row)
	}
	return rows
}

func printRows(w io.Writer, rows []packageRow, outdated, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	if outdated {
		fmt.Fprintln(tw, "BACKEND\tNAME\tINSTALLED\tLATEST\tUPDATE")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Backend, r.Name, r.Version, r.Latest, r.Update)
		}
	} else {
		fmt.Fprintln(tw, "BACKEND\tNAME\tVERSION\tLICENSE\tDESCRIPTION")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Backend, r.Name, r.Version, r.License, r.Description)
		}
	}
	return tw.Flush()
}

func listPackages(ctx context.Context, s *session.Session, backends []pm.BackendID, outdated, asJSON bool, stdout, stderr io.Writer) error {
	var rows []packageRow
	for _, id := range backends {
		job := s.Fetch(ctx, id, outdated)
		for percent := range job.Progress {
			fmt.Fprintf(stderr, "\rReading %s packages: %3d%%", id, percent)
		}
		packages, err := job.Wait()
		fmt.Fprintln(stderr)
		if err != nil {
			return fmt.Errorf("failed to list %s packages: %w", id, err)
		}
		rows = append(rows, toRows(id, packages)...)
	}
	return printRows(stdout, rows, outdated, asJSON)
}

func runMutation(ctx context.Context, s *session.Session, backend pm.BackendID, op mutation.Operation, names []string, creds mutation.CredentialFunc, w io.Writer) error {
	report, err := s.Run(ctx, backend, op, names, creds)
	if err != nil {
		return err
	}
	printReport(w, report)
	return report.Err()
}

func printReport(w io.Writer, report mutation.Report) {
	for _, o := range report.Outcomes {
		if o.Err == nil {
			fmt.Fprintf(w, "%s %s: ok\n", report.Operation, o.Name)
			continue
		}
		fmt.Fprintf(w, "%s %s: failed: %v\n", report.Operation, o.Name, o.Err)
		var bad *pm.BadCredentialError
		if errors.As(o.Err, &bad) {
			fmt.Fprintf(w, "  hint: %s\n", bad.Hint())
		}
	}
}

func listBackends(ctx context.Context, s *session.Session, w io.Writer) error {
	available, err := s.Available(ctx)
	if err != nil {
		return err
	}
	usable := make(map[pm.BackendID]bool, len(available))
	for _, id := range available {
		usable[id] = true
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tAVAILABLE\tCACHED")
	for _, id := range s.Backends() {
		fmt.Fprintf(tw, "%s\t%t\t%d\n", id, usable[id], s.Cache.Len(id))
	}
	return tw.Flush()
}

func run(ctx context.Context, f *flags, s *session.Session, stdout, stderr io.Writer) error {
	var result *multierror.Error
	creds := readSudoPassword(f.SudoPasswordPrompt)

	if f.ListBackends {
		if err := listBackends(ctx, s, stdout); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, action := range []struct {
		op    mutation.Operation
		names []string
	}{
		{mutation.Update, f.Update},
		{mutation.Uninstall, f.Uninstall},
	} {
		if len(action.names) == 0 {
			continue
		}
		backends, err := selectBackends(s, f.Backend, false)
		if err != nil {
			return err
		}
		if err := runMutation(ctx, s, backends[0], action.op, action.names, creds, stdout); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if len(f.Invalidate) > 0 {
		backends, err := selectBackends(s, f.Backend, false)
		if err != nil {
			return err
		}
		if err := s.Invalidate(backends[0], f.Invalidate); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if f.ListPackages || f.ListOutdated {
		backends, err := selectBackends(s, f.Backend, true)
		if err != nil {
			return err
		}
		if err := listPackages(ctx, s, backends, f.ListOutdated, f.JSON, stdout, stderr); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log, closer, err := configureLogger(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(execute(f, log, closer))
}

// execute runs the CLI and returns the exit status. The log file is closed on
// every path.
func execute(f *flags, log *logrus.Logger, closer io.Closer) int {
	defer closer.Close()

	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	s, err := buildSession(cfg, log)
	if err != nil {
		log.WithError(err).Error("Failed to initialise session")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, f, s, os.Stdout, os.Stderr); err != nil {
		log.WithError(err).Error("Finished with errors")
		return 1
	}
	return 0
}
