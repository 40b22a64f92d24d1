package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/steelcutops/pkgkeeper/pkgkeeper/commandmanager"
	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
)

const (
	DefaultPath      = "~/.config/pkgkeeper/config.ini"
	DefaultCachePath = "~/.cache/pkgkeeper/cache.json"
)

type BackendConfig struct {
	Enabled bool
	Binary  string
	Sudo    bool
}

type Config struct {
	CachePath string
	Timeout   time.Duration
	Backends  map[pm.BackendID]BackendConfig
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		CachePath: expandHome(DefaultCachePath),
		Timeout:   commandmanager.DefaultTimeout,
		Backends: map[pm.BackendID]BackendConfig{
			pm.PyPI: {Enabled: true, Binary: "pip3"},
			pm.NPM:  {Enabled: true, Binary: "npm", Sudo: true},
		},
	}
}

// Load reads the ini file at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	c := Default()

	path = expandHome(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return c, nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cache := cfg.Section("cache")
	c.CachePath = expandHome(cache.Key("path").MustString(DefaultCachePath))

	c.Timeout = cfg.Section("exec").Key("timeout").MustDuration(commandmanager.DefaultTimeout)
	if c.Timeout <= 0 {
		return nil, fmt.Errorf("exec timeout must be positive, got %s", c.Timeout)
	}

	for _, id := range pm.Backends {
		defaults := c.Backends[id]
		section := cfg.Section(string(id))
		c.Backends[id] = BackendConfig{
			Enabled: section.Key("enabled").MustBool(defaults.Enabled),
			Binary:  section.Key("binary").MustString(defaults.Binary),
			Sudo:    section.Key("sudo").MustBool(defaults.Sudo),
		}
	}

	return c, nil
}

// Enabled returns the enabled backends in display order.
func (c *Config) Enabled() []pm.BackendID {
	var ids []pm.BackendID
	for _, id := range pm.Backends {
		if c.Backends[id].Enabled {
			ids = append(ids, id)
		}
	}
	return ids
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
