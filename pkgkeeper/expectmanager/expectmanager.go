package expectmanager

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	cm "github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
)

// ErrUnconfirmed is returned by Confirm when no expectation matched.
var ErrUnconfirmed = errors.New("command output did not confirm success")

type Matcher interface {
	Match(string) bool
}

type RegexMatcher struct {
	Pattern *regexp.Regexp
}

func NewRegexMatcher(pattern string) (*RegexMatcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{Pattern: re}, nil
}

// MustRegexMatcher is like NewRegexMatcher but panics on an invalid pattern.
func MustRegexMatcher(pattern string) *RegexMatcher {
	return &RegexMatcher{Pattern: regexp.MustCompile(pattern)}
}

func (r *RegexMatcher) Match(s string) bool {
	return r.Pattern.MatchString(s)
}

// Stream selects which part of a CommandResult an expectation inspects.
type Stream int

const (
	Stdout Stream = iota
	Stderr
	Combined
)

type Expectation struct {
	Matcher     Matcher
	Stream      Stream
	Description string
}

func (e Expectation) output(result cm.CommandResult) string {
	switch e.Stream {
	case Stderr:
		return result.STDERR
	case Combined:
		return result.STDOUT + "\n" + result.STDERR
	default:
		return result.STDOUT
	}
}

// Confirm succeeds when at least one expectation matches the result. A
// non-zero exit status is never confirmed, whatever the output says.
func Confirm(result cm.CommandResult, expectations ...Expectation) error {
	if result.ExitCode != 0 {
		return fmt.Errorf("%w: exit status %d", ErrUnconfirmed, result.ExitCode)
	}

	for _, exp := range expectations {
		if exp.Matcher.Match(exp.output(result)) {
			return nil
		}
	}

	descriptions := make([]string, 0, len(expectations))
	for _, exp := range expectations {
		descriptions = append(descriptions, exp.Description)
	}
	return fmt.Errorf("%w: expected %s", ErrUnconfirmed, strings.Join(descriptions, " or "))
}
