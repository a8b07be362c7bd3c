package webui

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// Permissions a module may declare in webroot/config.json.
const (
	DeclareFileSystem = "filesystem"
	DeclarePlugins    = "plugins"
)

// ModuleConfig is the optional webroot/config.json of a module.
type ModuleConfig struct {
	Title       string   `json:"title,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (c ModuleConfig) declares(p string) bool {
	for _, d := range c.Permissions {
		if d == p {
			return true
		}
	}
	return false
}

// HasFileSystem reports whether the module asks for the file bridge.
func (c ModuleConfig) HasFileSystem() bool { return c.declares(DeclareFileSystem) }

// HasPlugins reports whether the module asks for plugin loading.
func (c ModuleConfig) HasPlugins() bool { return c.declares(DeclarePlugins) }

// LoadModuleConfig reads webroot/config.json. A missing file is an empty config.
func LoadModuleConfig(fm domain.FileManager, webroot string) (ModuleConfig, error) {
	var cfg ModuleConfig
	p := path.Join(webroot, "config.json")
	if !fm.Exists(p) {
		return cfg, nil
	}
	text, err := fm.ReadText(p)
	if err != nil {
		return cfg, fmt.Errorf("failed to read %s: %w", p, err)
	}
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		return ModuleConfig{}, fmt.Errorf("invalid %s: %w", p, err)
	}
	return cfg, nil
}
