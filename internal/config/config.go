// Package config loads abeansd.yaml and reconciles it with command-line
// flags and built-in defaults, using the same field-by-field overlay
// precedence the teacher's project configuration uses: explicit flags win
// over the file, the file wins over defaults, and an absent file is not
// an error.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables a session needs.
type Config struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	InboxFilename  string `yaml:"inbox_filename"`
	OutboxFilename string `yaml:"outbox_filename"`
	LogPath        string `yaml:"log_path"`
	LogLevel       string `yaml:"log_level"`
}

// Defaults returns the built-in configuration, used as the base layer
// before any file or flag overlay is applied.
func Defaults() Config {
	return Config{
		Host:           "localhost",
		Port:           60101,
		InboxFilename:  "vim-async-beans.in",
		OutboxFilename: "vim-async-beans.out",
		LogPath:        "",
		LogLevel:       "info",
	}
}

// Load builds a Config starting from Defaults and overlaying path's
// contents, if any. A missing file is not an error — it just means the
// defaults stand until flags override them.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "config: read %s", path)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}

	cfg.Overlay(overlay)
	return cfg, nil
}

// Overlay merges the non-zero fields of o onto c, in place. Both the
// file layer and the flag layer are applied this way, so flags can
// override file values using the same rule: a field counts only if it
// isn't the zero value.
func (c *Config) Overlay(o Config) {
	if o.Host != "" {
		c.Host = o.Host
	}
	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.InboxFilename != "" {
		c.InboxFilename = o.InboxFilename
	}
	if o.OutboxFilename != "" {
		c.OutboxFilename = o.OutboxFilename
	}
	if o.LogPath != "" {
		c.LogPath = o.LogPath
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}
