package packagemanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackendID(t *testing.T) {
	for input, want := range map[string]BackendID{
		"pypi": PyPI,
		"PIP3": PyPI,
		" npm": NPM,
	} {
		got, err := ParseBackendID(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseBackendID("cargo")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	mock := &MockCommandManager{}

	pip, err := New(PyPI, mock)
	require.NoError(t, err)
	assert.Equal(t, PyPI, pip.ID())
	assert.Equal(t, "pip3", pip.Binary())
	assert.False(t, pip.NeedsSudo())

	npm, err := New(NPM, mock, WithBinary("/opt/node/bin/npm"), WithSudo(false), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, NPM, npm.ID())
	assert.Equal(t, "/opt/node/bin/npm", npm.Binary())
	assert.False(t, npm.NeedsSudo())

	npm, err = New(NPM, mock)
	require.NoError(t, err)
	assert.True(t, npm.NeedsSudo(), "npm elevates by default")

	_, err = New("cargo", mock)
	assert.Error(t, err)

	_, err = New(PyPI, nil)
	assert.Error(t, err)
}

func TestPackagePURL(t *testing.T) {
	assert.Equal(t, "pkg:pypi/pyyaml@6.0.1", Package{Name: "PyYAML", Version: "6.0.1"}.PURL(PyPI))
	assert.Equal(t, "pkg:pypi/typing-extensions@4.9.0", Package{Name: "typing_extensions", Version: "4.9.0"}.PURL(PyPI))
	assert.Equal(t, "pkg:npm/left-pad@1.3.0", Package{Name: "left-pad", Version: "1.3.0"}.PURL(NPM))

	scoped := Package{Name: "@angular/cli", Version: "17.0.0"}.PURL(NPM)
	assert.Contains(t, scoped, "pkg:npm/")
	assert.Contains(t, scoped, "angular")
	assert.Contains(t, scoped, "/cli@17.0.0")
}

func TestInstalledUpdateKind(t *testing.T) {
	tests := []struct {
		installed Installed
		want      UpdateKind
	}{
		{Installed{Version: "8.50.0", Latest: "9.0.0"}, MajorUpdate},
		{Installed{Version: "1.1", Latest: "2.0"}, MajorUpdate},
		{Installed{Version: "5.1.6", Latest: "5.4.5"}, MinorUpdate},
		{Installed{Version: "1.0.0", Latest: "1.0.1"}, PatchUpdate},
		{Installed{Version: "2023a", Latest: "2024b"}, OtherUpdate},
		{Installed{Version: "1.0.0"}, OtherUpdate},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.installed.UpdateKind(), "%s -> %s", tt.installed.Version, tt.installed.Latest)
	}
}

func TestPackageWithDefaults(t *testing.T) {
	pkg := Package{Name: "x", Version: " 1.0 ", License: "UNKNOWN"}.withDefaults()

	assert.Equal(t, Package{
		Name:        "x",
		Version:     "1.0",
		Description: Unknown,
		URL:         Unknown,
		Author:      Unknown,
		License:     Unknown,
	}, pkg)
}
