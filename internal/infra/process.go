// Package infra implements infrastructure concerns (shell, files, processes, storage).
package infra

import (
	"errors"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// FindByName returns PIDs whose comm name or argv[0] base name equals name.
// Provider daemons often rename themselves, so both are checked.
func (pm *ProcessManagerImpl) FindByName(name string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	var found []int
	for _, p := range procs {
		if processNamed(p, name) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

func processNamed(p *process.Process, name string) bool {
	if comm, err := p.Name(); err == nil && comm == name {
		return true
	}
	args, err := p.CmdlineSlice()
	if err != nil || len(args) == 0 {
		return false
	}
	return filepath.Base(strings.TrimSpace(args[0])) == name
}

// KillTree kills descendants depth-first, then the process itself.
// Children are collected before anything is killed so orphans are not re-parented away.
func (pm *ProcessManagerImpl) KillTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}

	for _, child := range collectDescendants(p) {
		_ = child.Kill()
	}
	return p.Kill()
}

func collectDescendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var all []*process.Process
	for _, c := range children {
		all = append(all, collectDescendants(c)...)
		all = append(all, c)
	}
	return all
}

// IsRunning probes pid with signal 0. A process owned by another user
// (EPERM) still counts as running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
