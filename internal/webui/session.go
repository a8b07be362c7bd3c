package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

// SessionOptions configures a page session.
type SessionOptions struct {
	ModuleID   string
	ModulesDir string
	AppVersion string
	URL        string

	Service domain.ServiceManager
	Gates   *Gates
	Plugins *PluginLoader
	Jobs    *usecase.JobTable
	Logger  *zap.Logger
}

// BridgeInfo is how an attached bridge is advertised to the page.
type BridgeInfo struct {
	Name    string   `json:"name"`
	Methods []string `json:"methods"`
}

// Session is one page hosting one module's web root. The attached bridge set
// is rebuilt by Attach and swapped in as a whole.
type Session struct {
	id      string
	opts    SessionOptions
	webroot string
	logger  *zap.Logger

	mu      sync.RWMutex
	bridges map[string]Bridge
	grants  grantSet
	config  ModuleConfig
	plugins []PluginResult
}

// grantSet is the allow-list state a bridge set was built from.
type grantSet struct {
	advanced bool
	files    bool
}

// NewSession creates a session and attaches its bridges.
func NewSession(opts SessionOptions) (*Session, error) {
	if !validModuleID(opts.ModuleID) {
		return nil, fmt.Errorf("invalid module id %q", opts.ModuleID)
	}
	if opts.Service == nil || opts.Gates == nil {
		return nil, fmt.Errorf("session for %s needs a service and permission gates", opts.ModuleID)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Jobs == nil {
		opts.Jobs = usecase.NewJobTable(usecase.DefaultJobRetention, opts.Logger)
	}
	id := uuid.NewString()
	s := &Session{
		id:      id,
		opts:    opts,
		webroot: path.Join(opts.ModulesDir, opts.ModuleID, domain.WebRootDir),
		logger:  opts.Logger.With(zap.String("module", opts.ModuleID)),
	}
	if err := s.Attach(); err != nil {
		return nil, err
	}
	return s, nil
}

// validModuleID accepts ids that stay inside the modules directory.
func validModuleID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		if r == '/' || r == 0 {
			return false
		}
	}
	return true
}

// ID is the random session token pages authenticate with. Keep it out of logs.
func (s *Session) ID() string { return s.id }

func (s *Session) ModuleID() string { return s.opts.ModuleID }
func (s *Session) URL() string      { return s.opts.URL }
func (s *Session) WebRoot() string  { return s.webroot }

// HasBridge reports whether name is currently attached.
func (s *Session) HasBridge(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bridges[name]
	return ok
}

// Bridges lists the attached bridges sorted by name.
func (s *Session) Bridges() []BridgeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BridgeInfo, 0, len(s.bridges))
	for name, b := range s.bridges {
		out = append(out, BridgeInfo{Name: name, Methods: b.Methods()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Config returns the module's config.json as of the last attach.
func (s *Session) Config() ModuleConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Plugins returns the plugin results of the last attach.
func (s *Session) Plugins() []PluginResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PluginResult(nil), s.plugins...)
}

// Jobs returns the table holding jobs spawned through the root bridge.
func (s *Session) Jobs() *usecase.JobTable {
	return s.opts.Jobs
}

// Call invokes method on the attached bridge name. Grants are re-read first,
// so a revoke made elsewhere takes effect on the next call.
func (s *Session) Call(ctx context.Context, name, method string, args json.RawMessage) (any, error) {
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	b, ok := s.bridges[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBridgeNotFound, name)
	}
	return b.Call(ctx, method, args)
}

// PermissionState returns the gate state of p for this module.
func (s *Session) PermissionState(p domain.Permission) GateState {
	return s.opts.Gates.State(s.opts.ModuleID, p)
}

// RequestPermission runs the gate for p. A fresh grant re-attaches the page.
func (s *Session) RequestPermission(p domain.Permission) (GateState, error) {
	before := s.opts.Gates.Granted(s.opts.ModuleID, p)
	state, err := s.opts.Gates.Request(s.opts.ModuleID, p)
	if err != nil {
		return state, err
	}
	if state == GateGranted && !before {
		if err := s.Attach(); err != nil {
			return state, fmt.Errorf("failed to re-attach after grant: %w", err)
		}
	}
	return state, nil
}

func (s *Session) currentGrants() grantSet {
	gates := s.opts.Gates
	return grantSet{
		advanced: gates.Granted(s.opts.ModuleID, domain.PermissionAdvancedRoot),
		files:    gates.Granted(s.opts.ModuleID, domain.PermissionFileSystem),
	}
}

// Refresh re-attaches when the stored grants differ from the ones the
// current bridge set was built with.
func (s *Session) Refresh() error {
	now := s.currentGrants()
	s.mu.RLock()
	stale := now != s.grants
	s.mu.RUnlock()
	if !stale {
		return nil
	}
	s.logger.Info("grants changed, re-attaching",
		zap.Bool("advanced_root", now.advanced),
		zap.Bool("filesystem", now.files))
	return s.Attach()
}

// pendingPage lets plugins see the bridge set being built.
type pendingPage struct {
	s       *Session
	bridges map[string]Bridge
}

func (p pendingPage) ModuleID() string { return p.s.ModuleID() }
func (p pendingPage) URL() string      { return p.s.URL() }
func (p pendingPage) HasBridge(name string) bool {
	_, ok := p.bridges[name]
	return ok
}

// Attach rebuilds the bridge set from the current grants and config.
// Grants are read from the store each time.
func (s *Session) Attach() error {
	svc := s.opts.Service
	files := svc.FileManager()

	cfg, err := LoadModuleConfig(files, s.webroot)
	if err != nil {
		s.logger.Warn("ignoring module config", zap.Error(err))
	}

	env := &bridgeEnv{
		moduleID:   s.opts.ModuleID,
		appVersion: s.opts.AppVersion,
		files:      files,
		ksu:        svc.KsuService(),
		jobs:       s.opts.Jobs,
		session:    s,
	}
	platform, perr := svc.CurrentPlatform()
	if perr != nil {
		s.logger.Warn("platform unavailable", zap.Error(perr))
		platform = domain.PlatformEmpty
	} else if mm, err := svc.ModuleManager(); err == nil {
		env.manager = mm
	}
	env.platform = platform

	bridges := make(map[string]Bridge)
	add := func(b Bridge) {
		if _, dup := bridges[b.Name()]; dup {
			s.logger.Warn("bridge name collision", zap.String("bridge", b.Name()))
			return
		}
		bridges[b.Name()] = b
	}

	grants := s.currentGrants()
	add(newVersionBridge(env))
	add(newModuleBridge(env, cfg))
	add(newRootBridge(env, grants.advanced))
	if cfg.HasFileSystem() && grants.files {
		add(newFileBridge(env))
	}

	var plugins []PluginResult
	if cfg.HasPlugins() && s.opts.Plugins != nil {
		pctx := PluginContext{
			ModuleID:      s.opts.ModuleID,
			Root:          env.ksu,
			Files:         files,
			Platform:      platform,
			ProviderAlive: env.providerAlive(),
		}
		if env.manager != nil {
			pctx.VersionName = env.manager.Version()
			pctx.VersionCode = env.manager.VersionCode()
		}
		plugins = s.opts.Plugins.Load(s.webroot, pctx, pendingPage{s: s, bridges: bridges})
		for _, res := range plugins {
			if res.Attached {
				add(res.Bridge)
			}
		}
	}

	s.mu.Lock()
	s.bridges, s.grants, s.config, s.plugins = bridges, grants, cfg, plugins
	s.mu.Unlock()

	s.logger.Info("bridges attached",
		zap.Bool("advanced_root", grants.advanced),
		zap.Int("bridges", len(bridges)),
		zap.Int("plugins", len(plugins)))
	return nil
}
