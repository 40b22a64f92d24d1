package packagemanager

import (
	"context"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	cm "github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
)

// MockCommandManager answers commands from canned results keyed by
// "command arg1 arg2 ...".
type MockCommandManager struct {
	Results map[string]cm.CommandResult
	Errors  map[string]error
	Calls   []cm.CommandConfig
}

func commandKey(config cm.CommandConfig) string {
	return strings.TrimSpace(config.Command + " " + strings.Join(config.Args, " "))
}

func (m *MockCommandManager) Run(ctx context.Context, config cm.CommandConfig) (cm.CommandResult, error) {
	m.Calls = append(m.Calls, config)
	key := commandKey(config)
	return m.Results[key], m.Errors[key]
}

func (m *MockCommandManager) Available(ctx context.Context, binary string) bool {
	return true
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
