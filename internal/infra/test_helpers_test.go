package infra

import (
	"sync"
)

// mockProcessManager is a test double for domain.ProcessManager.
type mockProcessManager struct {
	mu      sync.Mutex
	running map[int]bool
	byName  map[string][]int
	killed  []int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		running: make(map[int]bool),
		byName:  make(map[string][]int),
	}
}

func (m *mockProcessManager) FindByName(name string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name], nil
}

func (m *mockProcessManager) KillTree(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, pid)
	delete(m.running, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[pid]
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[pid] = running
}

func (m *mockProcessManager) SetProcess(name string, pids ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[name] = pids
}
