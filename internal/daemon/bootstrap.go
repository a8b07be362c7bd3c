package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
	"github.com/eliteGoblin/rootmm/internal/ipc"
)

// StartOptions controls how the service process is spawned.
type StartOptions struct {
	// Executable defaults to the running binary.
	Executable string
	ConfigFile string
	BinderPID  int
	Verbose    bool
}

// StartService spawns the service process detached from the caller.
// Hidden "service" command: rootmm service --config path --binder-pid N
func StartService(opts StartOptions) error {
	executable := opts.Executable
	if executable == "" {
		var err error
		if executable, err = os.Executable(); err != nil {
			return err
		}
	}

	args := []string{"service"}
	if opts.ConfigFile != "" {
		args = append(args, "--config", opts.ConfigFile)
	}
	if opts.BinderPID > 0 {
		args = append(args, "--binder-pid", strconv.Itoa(opts.BinderPID))
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}

	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return cmd.Process.Release()
}

// Connect returns a client for the running service. With autostart set a
// missing service is spawned and awaited for up to timeout.
func Connect(
	ctx context.Context,
	registry *infra.FileEndpointRegistry,
	start *StartOptions,
	timeout time.Duration,
	logger *zap.Logger,
) (*ipc.Client, error) {
	ep, err := registry.LookupLive()
	if err != nil {
		return nil, err
	}
	if ep != nil {
		return ipc.NewClient(ep.Socket, logger), nil
	}
	if start == nil {
		return nil, fmt.Errorf("service is not running")
	}

	logger.Info("service not running, starting it")
	if err := StartService(*start); err != nil {
		return nil, err
	}
	ep, err = WaitForEndpoint(ctx, registry, timeout)
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(ep.Socket, logger), nil
}

// WaitForEndpoint polls the registry until a live endpoint answers.
func WaitForEndpoint(ctx context.Context, registry *infra.FileEndpointRegistry, timeout time.Duration) (*domain.ServiceEndpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ep, err := registry.LookupLive(); err == nil && ep != nil {
			if _, err := ipc.NewClient(ep.Socket, nil).Info(ctx); err == nil {
				return ep, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("service did not come up within %s", timeout)
		case <-ticker.C:
		}
	}
}
