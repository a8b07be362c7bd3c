// Package service is the privileged, process-scoped service context.
// Platform and module manager are resolved lazily and exactly once.
package service

import (
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/modules"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

// SignalSource supplies what platform resolution runs on.
// Implemented by infra.PlatformDetector.
type SignalSource interface {
	Signal() string
	SELinuxContext() string
}

// Options are the explicit dependencies of a Manager.
type Options struct {
	Signals    SignalSource
	Shell      domain.Shell
	Files      domain.FileManager
	Registry   *modules.Registry
	ModulesDir string
	Logger     *zap.Logger

	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

// Manager implements domain.ServiceManager in-process.
type Manager struct {
	opts   Options
	logger *zap.Logger
	ksu    *Ksu

	contextOnce sync.Once
	seContext   string

	platformOnce sync.Once
	platform     domain.Platform
	platformErr  error

	managerOnce sync.Once
	manager     domain.ModuleManager
	managerErr  error
}

// New creates a service context. Nothing is probed until first use.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = modules.NewRegistry()
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	m := &Manager{opts: opts, logger: opts.Logger}
	m.ksu = NewKsu(opts.Shell, m.ModuleManager)
	return m
}

// UID returns the uid the service runs as.
func (m *Manager) UID() int { return os.Getuid() }

// PID returns the service process id.
func (m *Manager) PID() int { return os.Getpid() }

// SELinuxContext returns the security context of the service, read once.
func (m *Manager) SELinuxContext() string {
	m.contextOnce.Do(func() {
		if m.opts.Signals != nil {
			m.seContext = m.opts.Signals.SELinuxContext()
		}
	})
	return m.seContext
}

// CurrentPlatform resolves the platform on first call. A failed resolution
// is returned on every later call.
func (m *Manager) CurrentPlatform() (domain.Platform, error) {
	m.platformOnce.Do(func() {
		signal := ""
		if m.opts.Signals != nil {
			signal = m.opts.Signals.Signal()
		}
		m.platform, m.platformErr = domain.ResolvePlatform(signal)
		if m.platformErr != nil {
			m.logger.Error("platform resolution failed",
				zap.String("signal", signal),
				zap.Error(m.platformErr))
			return
		}
		m.logger.Info("platform resolved",
			zap.String("signal", signal),
			zap.String("platform", m.platform.String()))
	})
	return m.platform, m.platformErr
}

// ModuleManager builds the provider-specific manager on first call.
// The returned manager rejects concurrent mutations of the same module.
func (m *Manager) ModuleManager() (domain.ModuleManager, error) {
	m.managerOnce.Do(func() {
		platform, err := m.CurrentPlatform()
		if err != nil {
			m.managerErr = err
			return
		}
		mm, err := m.opts.Registry.New(platform, modules.Deps{
			ModulesDir: m.opts.ModulesDir,
			Files:      m.opts.Files,
			Shell:      m.opts.Shell,
			Logger:     m.logger,
		})
		if err != nil {
			m.managerErr = err
			return
		}
		m.manager = usecase.NewOpsRunner(mm, m.logger)
	})
	if m.managerErr != nil {
		return nil, m.managerErr
	}
	return m.manager, nil
}

// KsuService returns the auxiliary root capability. It shares the root shell.
func (m *Manager) KsuService() domain.KsuService { return m.ksu }

// FileManager returns the privileged file manager. It shares the root shell.
func (m *Manager) FileManager() domain.FileManager { return m.opts.Files }

// Info returns the service identity.
func (m *Manager) Info() domain.ServiceInfo {
	info := domain.ServiceInfo{
		UID:     m.UID(),
		PID:     m.PID(),
		Context: m.SELinuxContext(),
	}
	if p, err := m.CurrentPlatform(); err == nil {
		info.Platform = p.String()
	}
	return info
}

// Destroy closes the root shell and exits the process.
func (m *Manager) Destroy() {
	m.logger.Info("service destroyed", zap.Int("pid", m.PID()))
	if m.opts.Shell != nil {
		_ = m.opts.Shell.Close()
	}
	_ = m.logger.Sync()
	m.opts.Exit(0)
}

// Ensure Manager implements domain.ServiceManager.
var _ domain.ServiceManager = (*Manager)(nil)
