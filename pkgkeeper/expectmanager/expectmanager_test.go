package expectmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cm "github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
)

func TestNewRegexMatcherInvalid(t *testing.T) {
	_, err := NewRegexMatcher("(")
	assert.Error(t, err)
}

func TestConfirm(t *testing.T) {
	installed := Expectation{
		Matcher:     MustRegexMatcher(`(?m)^Successfully installed `),
		Description: "an install summary",
	}
	warned := Expectation{
		Matcher:     MustRegexMatcher(`up to date`),
		Stream:      Stderr,
		Description: "an up-to-date notice",
	}

	t.Run("stdout match", func(t *testing.T) {
		err := Confirm(cm.CommandResult{STDOUT: "Collecting x\nSuccessfully installed x-2.0\n"}, installed, warned)
		assert.NoError(t, err)
	})

	t.Run("stderr match", func(t *testing.T) {
		err := Confirm(cm.CommandResult{STDERR: "up to date in 1s"}, installed, warned)
		assert.NoError(t, err)
	})

	t.Run("stdout expectation ignores stderr", func(t *testing.T) {
		err := Confirm(cm.CommandResult{STDERR: "Successfully installed x-2.0"}, installed)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnconfirmed)
		assert.Contains(t, err.Error(), "an install summary")
	})

	t.Run("non-zero exit is never confirmed", func(t *testing.T) {
		err := Confirm(cm.CommandResult{STDOUT: "Successfully installed x-2.0", ExitCode: 1}, installed)
		assert.ErrorIs(t, err, ErrUnconfirmed)
	})

	t.Run("combined", func(t *testing.T) {
		exp := Expectation{Matcher: MustRegexMatcher(`removed 1 package`), Stream: Combined}
		assert.NoError(t, Confirm(cm.CommandResult{STDERR: "removed 1 package in 300ms"}, exp))
	})
}
