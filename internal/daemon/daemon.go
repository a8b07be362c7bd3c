// Package daemon runs the privileged service process and starts it on demand.
package daemon

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/ipc"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

// Config holds service daemon configuration.
type Config struct {
	Socket              string
	IdleTimeout         time.Duration // Exit after this long without requests or jobs. Zero disables.
	BinderCheckInterval time.Duration // How often to check the binding client
	BinderPID           int           // Client whose death ends the service. Zero means unbound.
}

// DefaultConfig returns default daemon configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:         10 * time.Minute,
		BinderCheckInterval: 5 * time.Second,
	}
}

// ErrIdle is returned by Run when the idle timeout ended the service.
var ErrIdle = errors.New("service idle")

// ErrBinderDied is returned by Run when the binding client exited.
var ErrBinderDied = errors.New("binding client exited")

// Daemon serves one ServiceManager on a unix socket and publishes its endpoint.
type Daemon struct {
	config         Config
	service        domain.ServiceManager
	modulesDir     string
	registry       domain.EndpointRegistry
	processManager domain.ProcessManager
	logger         *zap.Logger

	jobs         *usecase.JobTable
	lastActivity atomic.Int64
}

// New creates a service daemon.
func New(
	config Config,
	svc domain.ServiceManager,
	modulesDir string,
	registry domain.EndpointRegistry,
	pm domain.ProcessManager,
	logger *zap.Logger,
) *Daemon {
	if config.BinderCheckInterval <= 0 {
		config.BinderCheckInterval = DefaultConfig().BinderCheckInterval
	}
	d := &Daemon{
		config:         config,
		service:        svc,
		modulesDir:     modulesDir,
		registry:       registry,
		processManager: pm,
		logger:         logger,
		jobs:           usecase.NewJobTable(usecase.DefaultJobRetention, logger),
	}
	d.touch()
	return d
}

func (d *Daemon) touch() {
	d.lastActivity.Store(time.Now().UnixNano())
}

// idleFor returns how long no request arrived and no job was tracked.
func (d *Daemon) idleFor(now time.Time) time.Duration {
	if d.jobs.Len() > 0 {
		d.touch()
		return 0
	}
	return now.Sub(time.Unix(0, d.lastActivity.Load()))
}

// Run serves until ctx is canceled, the binding client dies or the service idles out.
// The endpoint is published while serving and cleared on return.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := ipc.Listen(d.config.Socket)
	if err != nil {
		d.logger.Error("failed to listen", zap.String("socket", d.config.Socket), zap.Error(err))
		return err
	}

	ep := domain.ServiceEndpoint{
		PID:       os.Getpid(),
		Socket:    d.config.Socket,
		StartedAt: time.Now().Unix(),
		BinderPID: d.config.BinderPID,
	}
	if p, err := d.service.CurrentPlatform(); err == nil {
		ep.Platform = p.String()
	}
	if err := d.registry.Publish(ep); err != nil {
		ln.Close()
		d.logger.Error("failed to publish endpoint", zap.Error(err))
		return err
	}

	server := ipc.NewServer(ipc.Options{
		Service:    d.service,
		ModulesDir: d.modulesDir,
		Jobs:       d.jobs,
		Logger:     d.logger,
		OnActivity: d.touch,
	})

	serveCtx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- server.Serve(serveCtx, ln) }()

	d.logger.Info("service daemon started",
		zap.Int("pid", ep.PID),
		zap.String("socket", ep.Socket),
		zap.String("platform", ep.Platform),
		zap.Int("binder_pid", ep.BinderPID))

	reason := d.loop(ctx, served)

	stop()
	d.jobs.CloseAll()
	if err := d.registry.Clear(); err != nil {
		d.logger.Warn("failed to clear endpoint", zap.Error(err))
	}
	_ = os.Remove(d.config.Socket)
	d.logger.Info("service daemon stopping", zap.NamedError("reason", reason))
	return reason
}

func (d *Daemon) loop(ctx context.Context, served <-chan error) error {
	binderTicker := time.NewTicker(d.config.BinderCheckInterval)
	defer binderTicker.Stop()

	var idleC <-chan time.Time
	if d.config.IdleTimeout > 0 {
		idleTicker := time.NewTicker(idleCheckInterval(d.config.IdleTimeout))
		defer idleTicker.Stop()
		idleC = idleTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-served:
			if err == nil {
				err = errors.New("ipc server stopped")
			}
			d.logger.Error("ipc server exited", zap.Error(err))
			return err

		case <-binderTicker.C:
			if !d.binderAlive() {
				return ErrBinderDied
			}

		case now := <-idleC:
			if d.idleFor(now) >= d.config.IdleTimeout {
				return ErrIdle
			}
		}
	}
}

func idleCheckInterval(timeout time.Duration) time.Duration {
	if i := timeout / 4; i > 0 && i < time.Minute {
		return i
	}
	return time.Minute
}

// binderAlive reports whether the binding client is still running.
func (d *Daemon) binderAlive() bool {
	if d.config.BinderPID <= 0 {
		return true
	}
	if d.processManager.IsRunning(d.config.BinderPID) {
		return true
	}
	d.logger.Info("binding client exited", zap.Int("binder_pid", d.config.BinderPID))
	return false
}
