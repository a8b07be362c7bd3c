// Package modules implements module lifecycle on top of the privileged file manager and shell.
// Provider differences are isolated in Variant; Manager holds the shared behavior.
package modules

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// DefaultModulesDir is where root providers keep installed modules.
const DefaultModulesDir = "/data/adb/modules"

// Deps are the collaborators every Manager needs.
type Deps struct {
	ModulesDir string
	Files      domain.FileManager
	Shell      domain.Shell
	Logger     *zap.Logger
}

// Manager implements domain.ModuleManager for one provider variant.
type Manager struct {
	variant    Variant
	modulesDir string
	fm         domain.FileManager
	shell      domain.Shell
	logger     *zap.Logger

	versionOnce sync.Once
	version     string
	versionCode int
}

// NewManager creates a manager for variant.
func NewManager(variant Variant, deps Deps) *Manager {
	dir := deps.ModulesDir
	if dir == "" {
		dir = DefaultModulesDir
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		variant:    variant,
		modulesDir: dir,
		fm:         deps.Files,
		shell:      deps.Shell,
		logger:     logger.With(zap.String("provider", variant.Name())),
	}
}

// ManagerName returns the provider display name.
func (m *Manager) ManagerName() string {
	return m.variant.Name()
}

// Platform returns the platform this manager serves.
func (m *Manager) Platform() domain.Platform {
	return m.variant.Platform()
}

// ModulesDir returns the directory holding installed modules.
func (m *Manager) ModulesDir() string {
	return m.modulesDir
}

// Compatibility returns provider capability flags.
func (m *Manager) Compatibility() domain.ModuleCompatibility {
	return m.variant.Compatibility()
}

// Version returns the provider version name, queried once.
func (m *Manager) Version() string {
	m.loadVersion()
	return m.version
}

// VersionCode returns the provider version code, queried once.
func (m *Manager) VersionCode() int {
	m.loadVersion()
	return m.versionCode
}

func (m *Manager) loadVersion() {
	m.versionOnce.Do(func() {
		if res, err := m.shell.Exec(m.variant.VersionCommand()); err == nil && res.Success {
			m.version = versionName(res.Out)
		}
		if res, err := m.shell.Exec(m.variant.VersionCodeCommand()); err == nil && res.Success {
			m.versionCode = lastInt(res.Out)
		}
		m.logger.Info("provider version",
			zap.String("version", m.version),
			zap.Int("version_code", m.versionCode))
	})
}

// versionName keeps the first line with any provider suffix ("27.0:MAGISK:R") or tool prefix ("ksud 1.0.1") removed.
func versionName(out []string) string {
	if len(out) == 0 {
		return ""
	}
	line := strings.TrimSpace(out[0])
	if before, _, ok := strings.Cut(line, ":"); ok {
		line = before
	}
	if fields := strings.Fields(line); len(fields) > 0 {
		line = fields[len(fields)-1]
	}
	return line
}

// lastInt returns the last integer field in out, or 0.
func lastInt(out []string) int {
	for i := len(out) - 1; i >= 0; i-- {
		fields := strings.Fields(out[i])
		for j := len(fields) - 1; j >= 0; j-- {
			if n, err := strconv.Atoi(fields[j]); err == nil {
				return n
			}
		}
	}
	return 0
}

// IsSafeMode reports whether the device booted in safe mode.
func (m *Manager) IsSafeMode() bool {
	return m.check(m.variant.SafeModeCommand())
}

// IsLkmMode reports whether the provider runs as a loadable kernel module.
func (m *Manager) IsLkmMode() bool {
	return m.check(m.variant.LkmCommand())
}

func (m *Manager) check(cmd string) bool {
	if cmd == "" {
		return false
	}
	res, err := m.shell.Exec(cmd)
	return err == nil && res.Success
}

func (m *Manager) moduleDir(id string) string {
	return path.Join(m.modulesDir, id)
}

// validID rejects ids that would escape the modules directory.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("invalid module id %q", id)
	}
	return nil
}

// Modules lists every directory under the modules dir that carries a module.prop.
func (m *Manager) Modules() ([]domain.Module, error) {
	entries, err := m.fm.List(m.modulesDir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}

	modules := make([]domain.Module, 0, len(entries))
	for _, entry := range entries {
		mod, err := m.Module(path.Base(entry))
		if err != nil {
			m.logger.Debug("skipping module dir", zap.String("dir", entry), zap.Error(err))
			continue
		}
		modules = append(modules, *mod)
	}
	return modules, nil
}

// Module reads one installed module. State is derived from the directory every time.
func (m *Manager) Module(id string) (*domain.Module, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	dir := m.moduleDir(id)
	propPath := path.Join(dir, domain.PropFile)
	if !m.fm.Exists(propPath) {
		return nil, fmt.Errorf("%w: %s", domain.ErrModuleNotFound, id)
	}

	text, err := m.fm.ReadText(propPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", propPath, err)
	}
	prop, err := ParseProp(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", propPath, err)
	}

	mod := &domain.Module{ID: id}
	applyProp(mod, prop)

	entries, err := m.fm.List(dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = path.Base(e)
	}
	mod.State = domain.StateFromEntries(names)
	mod.Features = domain.ModuleFeatures{
		WebUI:  m.fm.Exists(path.Join(dir, domain.WebRootDir, "index.html")),
		Action: contains(names, domain.ActionScript),
	}

	if size, err := m.fm.Size(dir); err == nil {
		mod.Size = size
	}
	if mtime, err := m.fm.ModTime(propPath); err == nil {
		mod.LastUpdated = time.Unix(mtime, 0)
	}
	return mod, nil
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// Enable deletes both the remove and disable markers.
func (m *Manager) Enable(id string, cb domain.OpsCallback) {
	m.mutate("enable", id, []string{domain.RemoveMarker, domain.DisableMarker}, "", cb)
}

// Disable deletes the remove marker, then creates the disable marker.
func (m *Manager) Disable(id string, cb domain.OpsCallback) {
	m.mutate("disable", id, []string{domain.RemoveMarker}, domain.DisableMarker, cb)
}

// Remove deletes the disable marker, then creates the remove marker.
func (m *Manager) Remove(id string, cb domain.OpsCallback) {
	m.mutate("remove", id, []string{domain.DisableMarker}, domain.RemoveMarker, cb)
}

// mutate applies marker changes on its own goroutine and reports exactly once to cb.
func (m *Manager) mutate(op, id string, deletes []string, create string, cb domain.OpsCallback) {
	if cb == nil {
		cb = domain.OpsCallbackFuncs{}
	}
	go func() {
		if err := m.applyMarkers(id, deletes, create); err != nil {
			msg := err.Error()
			if errors.Is(err, domain.ErrModuleNotFound) {
				msg = ""
			}
			m.logger.Warn("module operation failed",
				zap.String("op", op),
				zap.String("module", id),
				zap.Error(err))
			cb.OnFailure(id, msg)
			return
		}
		m.logger.Info("module operation succeeded", zap.String("op", op), zap.String("module", id))
		cb.OnSuccess(id)
	}()
}

func (m *Manager) applyMarkers(id string, deletes []string, create string) error {
	if err := validID(id); err != nil {
		return err
	}
	dir := m.moduleDir(id)
	if !m.fm.Exists(dir) {
		return domain.ErrModuleNotFound
	}
	for _, marker := range deletes {
		if err := m.fm.Delete(path.Join(dir, marker)); err != nil {
			return err
		}
	}
	if create != "" {
		if err := m.fm.Touch(path.Join(dir, create)); err != nil {
			return err
		}
	}
	return nil
}

// Action runs the module's action script on a dedicated shell.
func (m *Manager) Action(ctx context.Context, id string, cb domain.ShellCallback) (domain.Job, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	dir := m.moduleDir(id)
	if !m.fm.Exists(path.Join(dir, domain.ActionScript)) {
		return nil, fmt.Errorf("%w: %s has no %s", domain.ErrModuleNotFound, id, domain.ActionScript)
	}

	cmds := append(m.variant.Env(m.Version(), m.VersionCode()), m.variant.ActionCommand(dir))
	m.logger.Info("running module action", zap.String("module", id))
	return m.shell.NewJob(ctx, cmds, cb)
}

// Install installs zipPath through the provider. After a successful install
// the new module's disable and remove markers are cleared so it reads as enabled.
func (m *Manager) Install(ctx context.Context, zipPath string, cb domain.ShellCallback) (domain.Job, error) {
	archive, err := m.fm.ReadBytes(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	prop, err := ZipProp(archive)
	if err != nil {
		return nil, err
	}
	id := prop["id"]
	if err := validID(id); err != nil {
		return nil, fmt.Errorf("archive %s: %w", zipPath, err)
	}

	if cb == nil {
		cb = domain.ShellCallbackFuncs{}
	}
	wrapped := installCallback{ShellCallback: cb, onSuccess: func() {
		if err := m.applyMarkers(id, []string{domain.DisableMarker, domain.RemoveMarker}, ""); err != nil {
			m.logger.Warn("failed to clear markers after install", zap.String("module", id), zap.Error(err))
		}
	}}

	cmds := append(m.variant.Env(m.Version(), m.VersionCode()), m.variant.InstallCommand(zipPath))
	m.logger.Info("installing module", zap.String("module", id), zap.String("archive", zipPath))
	return m.shell.NewJob(ctx, cmds, wrapped)
}

// installCallback runs onSuccess before forwarding a zero exit code.
type installCallback struct {
	domain.ShellCallback
	onSuccess func()
}

func (c installCallback) OnExit(code int) {
	if code == 0 {
		c.onSuccess()
	}
	c.ShellCallback.OnExit(code)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Ensure Manager implements domain.ModuleManager.
var _ domain.ModuleManager = (*Manager)(nil)
