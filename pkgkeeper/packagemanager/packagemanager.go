package packagemanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/blang/semver"
	packageurl "github.com/package-url/packageurl-go"
)

// Unknown fills any metadata field a package manager has no value for.
const Unknown = "None"

// BackendID names a package-manager ecosystem. It is also the outer key of the
// package cache.
type BackendID string

const (
	PyPI BackendID = "pypi"
	NPM  BackendID = "npm"
)

// Backends lists every supported backend in display order.
var Backends = []BackendID{PyPI, NPM}

func ParseBackendID(s string) (BackendID, error) {
	switch id := BackendID(strings.ToLower(strings.TrimSpace(s))); id {
	case PyPI, NPM:
		return id, nil
	case "pip", "pip3":
		return PyPI, nil
	default:
		return "", fmt.Errorf("unsupported backend: %q", s)
	}
}

func (id BackendID) String() string {
	return string(id)
}

// Package is the metadata record kept for one installed package.
type Package struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
	URL         string `json:"url" yaml:"url"`
	Author      string `json:"author" yaml:"author"`
	License     string `json:"license" yaml:"license"`
}

// PURL returns the package-url identifying this exact version.
func (p Package) PURL(backend BackendID) string {
	var namespace, name string
	switch backend {
	case NPM:
		name = p.Name
		if strings.HasPrefix(p.Name, "@") {
			if i := strings.Index(p.Name, "/"); i > 0 {
				namespace, name = p.Name[:i], p.Name[i+1:]
			}
		}
		return packageurl.NewPackageURL(packageurl.TypeNPM, namespace, name, p.Version, nil, "").ToString()
	case PyPI:
		name = strings.ReplaceAll(strings.ToLower(p.Name), "_", "-")
		return packageurl.NewPackageURL(packageurl.TypePyPi, "", name, p.Version, nil, "").ToString()
	}
	return packageurl.NewPackageURL(string(backend), "", p.Name, p.Version, nil, "").ToString()
}

// withDefaults replaces empty fields with Unknown.
func (p Package) withDefaults() Package {
	for _, f := range []*string{&p.Version, &p.Description, &p.URL, &p.Author, &p.License} {
		if v := strings.TrimSpace(*f); v == "" || strings.EqualFold(v, "UNKNOWN") {
			*f = Unknown
		} else {
			*f = v
		}
	}
	return p
}

// Installed is one package as reported by the live package manager. Latest is
// only set by an outdated listing.
type Installed struct {
	Name    string
	Version string
	Latest  string
}

type UpdateKind string

const (
	MajorUpdate UpdateKind = "major"
	MinorUpdate UpdateKind = "minor"
	PatchUpdate UpdateKind = "patch"
	OtherUpdate UpdateKind = "other"
)

// UpdateKind classifies the distance between Version and Latest. Versions are
// free-form, so anything semver can't parse is OtherUpdate.
func (i Installed) UpdateKind() UpdateKind {
	if i.Latest == "" {
		return OtherUpdate
	}
	current, err := semver.ParseTolerant(i.Version)
	if err != nil {
		return OtherUpdate
	}
	latest, err := semver.ParseTolerant(i.Latest)
	if err != nil {
		return OtherUpdate
	}
	switch {
	case latest.Major != current.Major:
		return MajorUpdate
	case latest.Minor != current.Minor:
		return MinorUpdate
	case latest.Patch != current.Patch:
		return PatchUpdate
	}
	return OtherUpdate
}

// PackageManager is the contract every backend satisfies.
type PackageManager interface {
	ID() BackendID
	// Binary is the executable probed to decide whether the backend is usable.
	Binary() string
	// NeedsSudo reports whether Update and Uninstall consume a credential.
	NeedsSudo() bool

	// ListInstalled returns the installed packages in the order the tool
	// reports them, or only those with a newer version when outdated is set.
	ListInstalled(ctx context.Context, outdated bool) ([]Installed, error)
	// Describe returns full metadata for one package. Every field is set.
	Describe(ctx context.Context, name string) (Package, error)

	// Update and Uninstall return nil only when the tool confirmed success.
	// Backends that don't elevate ignore credential.
	Update(ctx context.Context, name, credential string) error
	Uninstall(ctx context.Context, name, credential string) error
}
