// Package config loads pibackup configuration from built-in defaults, an
// optional TOML file and PIBACKUP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	gotoml "github.com/pelletier/go-toml/v2"

	"github.com/woliveiras/pibackup/pkg/backup"
)

// DefaultPath is read when no --config flag is given and the file exists.
const DefaultPath = "/etc/pibackup.toml"

const envPrefix = "PIBACKUP_"

// Config is the effective configuration of a run.
type Config struct {
	Image     ImageConfig     `koanf:"image" toml:"image"`
	Partition PartitionConfig `koanf:"partition" toml:"partition"`
	Identity  IdentityConfig  `koanf:"identity" toml:"identity"`
	Sync      SyncConfig      `koanf:"sync" toml:"sync"`
	Teardown  TeardownConfig  `koanf:"teardown" toml:"teardown"`
	Log       LogConfig       `koanf:"log" toml:"log"`
}

type ImageConfig struct {
	// Margin is added to the measured used bytes when sizing a new image.
	Margin      string        `koanf:"margin" toml:"margin"`
	MountRoot   string        `koanf:"mount_root" toml:"mount_root"`
	LockTimeout time.Duration `koanf:"lock_timeout" toml:"lock_timeout"`
}

type PartitionConfig struct {
	Strategy string `koanf:"strategy" toml:"strategy"`
	// BootSize is only used by the fresh strategy.
	BootSize string `koanf:"boot_size" toml:"boot_size"`
}

type IdentityConfig struct {
	Policy string `koanf:"policy" toml:"policy"`
}

type SyncConfig struct {
	Rsync    string   `koanf:"rsync" toml:"rsync"`
	Excludes []string `koanf:"excludes" toml:"excludes"`
	Progress bool     `koanf:"progress" toml:"progress"`
	Verify   bool     `koanf:"verify" toml:"verify"`
}

type TeardownConfig struct {
	Attempts int           `koanf:"attempts" toml:"attempts"`
	Delay    time.Duration `koanf:"delay" toml:"delay"`
}

type LogConfig struct {
	File      string `koanf:"file" toml:"file"`
	StateFile string `koanf:"state_file" toml:"state_file"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"image.margin":        "500MB",
		"image.mount_root":    "/mnt",
		"image.lock_timeout":  "2s",
		"partition.strategy":  backup.StrategyClone,
		"partition.boot_size": "256MiB",
		"identity.policy":     backup.PolicyFresh,
		"sync.rsync":          "rsync",
		"sync.excludes":       []string{},
		"sync.progress":       true,
		"sync.verify":         true,
		"teardown.attempts":   5,
		"teardown.delay":      "200ms",
		"log.file":            "",
		"log.state_file":      "",
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := load("", false)
	if err != nil {
		// defaults are static; failing to decode them is a programming error
		panic(err)
	}
	return cfg
}

// Load builds the configuration. When path is empty DefaultPath is used if
// it exists; an explicit path that cannot be read is an error.
func Load(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, withSources bool) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if withSources {
		explicit := path != ""
		if !explicit {
			path = DefaultPath
		}
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}

		err := k.Load(env.Provider(envPrefix, ".", envKey), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load env vars: %w", err)
		}
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps PIBACKUP_SYNC_EXCLUDES to sync.excludes. Only the first
// underscore separates section from key; the rest stay part of the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// Validate checks enumerations and size strings.
func (c *Config) Validate() error {
	switch c.Partition.Strategy {
	case backup.StrategyClone, backup.StrategyFresh:
	default:
		return fmt.Errorf("partition.strategy: unknown strategy %q (want %q or %q)", c.Partition.Strategy, backup.StrategyClone, backup.StrategyFresh)
	}
	switch c.Identity.Policy {
	case backup.PolicyFresh, backup.PolicySource:
	default:
		return fmt.Errorf("identity.policy: unknown policy %q (want %q or %q)", c.Identity.Policy, backup.PolicyFresh, backup.PolicySource)
	}
	if _, err := c.MarginBytes(); err != nil {
		return err
	}
	if _, err := c.BootSizeBytes(); err != nil {
		return err
	}
	if c.Teardown.Attempts < 1 {
		return fmt.Errorf("teardown.attempts must be at least 1, got %d", c.Teardown.Attempts)
	}
	if c.Image.MountRoot == "" {
		return fmt.Errorf("image.mount_root must not be empty")
	}
	return nil
}

// MarginBytes parses image.margin.
func (c *Config) MarginBytes() (uint64, error) {
	v, err := humanize.ParseBytes(c.Image.Margin)
	if err != nil {
		return 0, fmt.Errorf("image.margin: %w", err)
	}
	return v, nil
}

// BootSizeBytes parses partition.boot_size.
func (c *Config) BootSizeBytes() (uint64, error) {
	v, err := humanize.ParseBytes(c.Partition.BootSize)
	if err != nil {
		return 0, fmt.Errorf("partition.boot_size: %w", err)
	}
	return v, nil
}

// TOML renders the configuration for `pibackup config`.
func (c *Config) TOML() (string, error) {
	out, err := gotoml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
