// Package config loads knolsync settings from defaults, an optional YAML
// file, KNOLSYNC_ environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix         = "KNOLSYNC_"
	DefaultConfigFile = "knolsync.yaml"
	DatabaseFile      = "knolsync.db"
)

type Config struct {
	DataDir      string `koanf:"data_dir" validate:"required"`
	UserID       string `koanf:"user_id" validate:"required,excludesall=/"`
	DeviceID     string `koanf:"device_id"`
	UpcomingDays int    `koanf:"upcoming_days" validate:"gte=1"`

	Remote RemoteConfig `koanf:"remote"`
	Sync   SyncConfig   `koanf:"sync"`
	Notify NotifyConfig `koanf:"notify"`
	HTTP   HTTPConfig   `koanf:"http"`
	Log    LogConfig    `koanf:"log"`
}

type RemoteConfig struct {
	Kind        string `koanf:"kind" validate:"oneof=sqlite git postgres memory"`
	Path        string `koanf:"path"`
	URL         string `koanf:"url"`
	DSN         string `koanf:"dsn" validate:"required_if=Kind postgres"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

type SyncConfig struct {
	Timeout  time.Duration `koanf:"timeout" validate:"gt=0"`
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
}

type NotifyConfig struct {
	Poll           time.Duration `koanf:"poll" validate:"gte=0"`
	TelegramToken  string        `koanf:"telegram_token"`
	TelegramChatID int64         `koanf:"telegram_chat_id" validate:"required_with=TelegramToken"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

type LogConfig struct {
	Level     string `koanf:"level" validate:"oneof=debug info warn error"`
	File      string `koanf:"file"`
	GormLevel string `koanf:"gorm_level"`
}

// DatabasePath is the device SQLite file.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFile)
}

// Defaults returns the built-in settings, keyed like the YAML file.
func Defaults() map[string]interface{} {
	dataDir := ".knolsync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".knolsync")
	}
	return map[string]interface{}{
		"data_dir":            dataDir,
		"upcoming_days":       7,
		"remote.kind":         "sqlite",
		"remote.author_name":  "knolsync",
		"remote.author_email": "knolsync@localhost",
		"sync.timeout":        15 * time.Second,
		"sync.interval":       5 * time.Minute,
		"notify.poll":         time.Minute,
		"http.addr":           ":8080",
		"log.level":           "info",
		"log.gorm_level":      "warn",
	}
}

// flagKeys maps flag names to config keys. Flags not listed here, such as
// --config, are not part of the config tree.
var flagKeys = map[string]string{
	"data-dir":      "data_dir",
	"user":          "user_id",
	"device":        "device_id",
	"upcoming-days": "upcoming_days",
	"remote":        "remote.kind",
	"remote-path":   "remote.path",
	"remote-url":    "remote.url",
	"remote-dsn":    "remote.dsn",
	"sync-timeout":  "sync.timeout",
	"sync-interval": "sync.interval",
	"http-addr":     "http.addr",
	"log-level":     "log.level",
	"log-file":      "log.file",
}

// RegisterFlags adds the config flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", DefaultConfigFile, "path to a YAML config file")
	fs.String("data-dir", "", "device data directory")
	fs.String("user", "", "learner id")
	fs.String("device", "", "device id (generated when empty)")
	fs.Int("upcoming-days", 7, "default horizon for upcoming reviews")
	fs.String("remote", "sqlite", "remote kind: sqlite, git, postgres or memory")
	fs.String("remote-path", "", "remote directory: the git worktree, or where the SQLite remote keeps remote.db")
	fs.String("remote-url", "", "git URL to pull from and push to")
	fs.String("remote-dsn", "", "Postgres DSN")
	fs.Duration("sync-timeout", 15*time.Second, "deadline for one sync")
	fs.Duration("sync-interval", 5*time.Minute, "background sync period, 0 disables")
	fs.String("http-addr", ":8080", "HTTP listen address")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("log-file", "", "also write logs to this file")
}

// Load builds the config from every source. fs must already be parsed and
// carry the flags from RegisterFlags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	path, explicit := DefaultConfigFile, false
	if f := fs.Lookup("config"); f != nil {
		path, explicit = f.Value.String(), f.Changed
	}
	if err := loadFile(k, path, explicit); err != nil {
		return nil, err
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	flags := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(fs, f)
	})
	if err := k.Load(flags, nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.Remote.Path == "" {
		cfg.Remote.Path = filepath.Join(cfg.DataDir, "remote")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// Validate checks field constraints and names every failing key.
func (c Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
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
