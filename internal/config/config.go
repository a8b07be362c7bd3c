// Package config loads rootmm settings: embedded defaults, then an optional
// config file, then ROOTMM_* environment variables.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

//go:embed embedded/defaults.toml
var defaultConfig []byte

// EnvPrefix marks environment overrides. A double underscore separates
// sections: ROOTMM_WEBUI__DEV_URL sets webui.dev_url.
const EnvPrefix = "ROOTMM_"

// Config is the complete rootmm configuration.
type Config struct {
	Mode                string        `koanf:"mode"`
	ModulesDir          string        `koanf:"modules_dir"`
	Shell               []string      `koanf:"shell"`
	DataDir             string        `koanf:"data_dir"`
	Socket              string        `koanf:"socket"`
	LogFile             string        `koanf:"log_file"`
	IdleTimeout         time.Duration `koanf:"idle_timeout"`
	BinderCheckInterval time.Duration `koanf:"binder_check_interval"`
	WebUI               WebUIConfig   `koanf:"webui"`

	// Source is the config file that was loaded, if any.
	Source string `koanf:"-"`
}

// WebUIConfig controls the WebUI host.
type WebUIConfig struct {
	Domain        string `koanf:"domain"`
	DevURL        string `koanf:"dev_url"`
	DeveloperMode bool   `koanf:"developer_mode"`
	Listen        string `koanf:"listen"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ModulesDir:          "/data/adb/modules",
		Shell:               []string{"su"},
		DataDir:             "/data/adb/rootmm",
		Socket:              "/data/adb/rootmm/rootmm.sock",
		LogFile:             "/data/adb/rootmm/rootmm.log",
		IdleTimeout:         10 * time.Minute,
		BinderCheckInterval: 5 * time.Second,
		WebUI: WebUIConfig{
			Domain: "https://mui.kernelsu.org",
			Listen: "127.0.0.1:0",
		},
	}
}

type rawBytesProvider struct{ bytes []byte }

func (r *rawBytesProvider) ReadBytes() ([]byte, error) { return r.bytes, nil }
func (r *rawBytesProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("not implemented")
}

// Load builds the configuration. path may be empty, in which case
// rootmm/rootmm.toml or rootmm/rootmm.yaml is searched in the XDG config dirs.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(&rawBytesProvider{bytes: defaultConfig}, toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.Source = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() string {
	for _, name := range []string{"rootmm/rootmm.toml", "rootmm/rootmm.yaml", "rootmm/rootmm.yml"} {
		if p, err := xdg.SearchConfigFile(name); err == nil {
			return p
		}
	}
	return ""
}

func parserFor(path string) (koanf.Parser, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Parser(), nil
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	}
	return nil, fmt.Errorf("config file %s: unsupported format", path)
}

// Validate checks values that would make the service unusable.
func (c *Config) Validate() error {
	if len(c.Shell) == 0 || c.Shell[0] == "" {
		return errors.New("config: shell must name a command")
	}
	if c.Socket == "" {
		return errors.New("config: socket must be set")
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir must be set")
	}
	if c.IdleTimeout < 0 || c.BinderCheckInterval <= 0 {
		return errors.New("config: idle_timeout must be >= 0 and binder_check_interval > 0")
	}
	return nil
}

// ClientStateDir is where a non-root client keeps its own files.
func ClientStateDir() string {
	return filepath.Join(xdg.StateHome, "rootmm")
}
