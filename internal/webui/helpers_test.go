package webui

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

// osFiles is a domain.FileManager backed by the local filesystem.
type osFiles struct{}

func (osFiles) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osFiles) ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

func (osFiles) ReadBytes(path string) ([]byte, error) { return os.ReadFile(path) }

func (osFiles) WriteText(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func (osFiles) List(path string, recursive bool) ([]string, error) {
	var out []string
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == path {
			return nil
		}
		if !recursive {
			out = append(out, p)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			out = append(out, p)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	return out, err
}

func (osFiles) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (osFiles) ModTime(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().Unix(), nil
}

func (osFiles) Touch(path string) error { return os.WriteFile(path, nil, 0644) }

func (osFiles) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// memStore is an in-memory PermissionStore.
type memStore struct {
	mu       sync.Mutex
	grants   map[domain.Permission]map[string]bool
	grantErr error
}

func newMemStore() *memStore {
	return &memStore{grants: make(map[domain.Permission]map[string]bool)}
}

func (s *memStore) IsGranted(id string, p domain.Permission) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[p][id], nil
}

func (s *memStore) Grant(id string, p domain.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grantErr != nil {
		return s.grantErr
	}
	if s.grants[p] == nil {
		s.grants[p] = make(map[string]bool)
	}
	s.grants[p][id] = true
	return nil
}

func (s *memStore) Revoke(id string, p domain.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[p], id)
	return nil
}

func (s *memStore) List(p domain.Permission) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.grants[p] {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

// countingPrompter answers with a fixed reply and counts prompts.
type countingPrompter struct {
	mu    sync.Mutex
	reply bool
	err   error
	calls int
}

func (p *countingPrompter) Confirm(string, domain.Permission) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.reply, p.err
}

func (p *countingPrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeManager answers the provider identity calls only.
type fakeManager struct {
	domain.ModuleManager
}

func (fakeManager) ManagerName() string { return "KernelSU Next" }
func (fakeManager) Version() string     { return "1.0.3" }
func (fakeManager) VersionCode() int    { return 12081 }

// fakeKsu records exec commands and runs spawned jobs to completion.
type fakeKsu struct {
	mu      sync.Mutex
	outputs map[string][]string
	execs   []string
	modDir  string
}

func (k *fakeKsu) Exec(cmd string, _ domain.ExecOptions) (domain.ShellResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.execs = append(k.execs, cmd)
	out, ok := k.outputs[cmd]
	if !ok {
		return domain.ShellResult{Out: []string{}, Err: []string{}, Code: 1}, nil
	}
	return domain.ShellResult{Out: out, Err: []string{}, Success: true}, nil
}

func (k *fakeKsu) execCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.execs)
}

func (k *fakeKsu) Spawn(_ context.Context, command string, args []string, _ domain.ExecOptions, cb domain.ShellCallback) (domain.Job, error) {
	job := &doneJob{done: make(chan struct{})}
	go func() {
		cb.OnStdout(command)
		for _, a := range args {
			cb.OnStdout(a)
		}
		cb.OnExit(0)
		close(job.done)
	}()
	return job, nil
}

func (k *fakeKsu) ModuleInfo(id string) (*domain.Module, error) {
	if k.modDir == "" || !(osFiles{}).Exists(filepath.Join(k.modDir, id)) {
		return nil, domain.ErrModuleNotFound
	}
	return &domain.Module{ID: id, Name: "Module " + id, State: domain.StateEnable}, nil
}

type doneJob struct {
	done chan struct{}
}

func (j *doneJob) ID() string            { return "job" }
func (j *doneJob) Done() <-chan struct{} { return j.done }
func (j *doneJob) Close() error          { return nil }
func (j *doneJob) Wait() (int, error)    { <-j.done; return 0, nil }

// fakeService is a ServiceManager over local files.
type fakeService struct {
	platform    domain.Platform
	platformErr error
	manager     domain.ModuleManager
	ksu         *fakeKsu
}

func (s *fakeService) UID() int               { return 0 }
func (s *fakeService) PID() int               { return 1 }
func (s *fakeService) SELinuxContext() string { return "u:r:su:s0" }
func (s *fakeService) CurrentPlatform() (domain.Platform, error) {
	return s.platform, s.platformErr
}
func (s *fakeService) ModuleManager() (domain.ModuleManager, error) {
	if s.manager == nil {
		return nil, domain.ErrNotSupported
	}
	return s.manager, nil
}
func (s *fakeService) KsuService() domain.KsuService  { return s.ksu }
func (s *fakeService) FileManager() domain.FileManager { return osFiles{} }
func (s *fakeService) Destroy()                        {}

// fixture is a module directory plus everything a Session needs.
type fixture struct {
	dir      string
	webroot  string
	svc      *fakeService
	store    *memStore
	prompter *countingPrompter
	gates    *Gates
	registry *PluginRegistry
}

func newFixture(t *testing.T, id string) *fixture {
	t.Helper()
	dir := t.TempDir()
	webroot := filepath.Join(dir, id, domain.WebRootDir)
	require.NoError(t, os.MkdirAll(webroot, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id, domain.PropFile), []byte("id="+id+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(webroot, "index.html"),
		[]byte("<html><head><title>t</title></head><body>hi</body></html>"), 0644))

	store := newMemStore()
	prompter := &countingPrompter{reply: true}
	return &fixture{
		dir:     dir,
		webroot: webroot,
		svc: &fakeService{
			platform: domain.PlatformKsuNext,
			manager:  fakeManager{},
			ksu:      &fakeKsu{outputs: map[string][]string{}, modDir: dir},
		},
		store:    store,
		prompter: prompter,
		gates:    NewGates(store, prompter, zap.NewNop()),
		registry: NewPluginRegistry(),
	}
}

func (f *fixture) writeWebFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(f.webroot, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

func (f *fixture) session(t *testing.T, id string) *Session {
	t.Helper()
	s, err := NewSession(SessionOptions{
		ModuleID:   id,
		ModulesDir: f.dir,
		AppVersion: "test",
		URL:        DefaultDomain + "/index.html",
		Service:    f.svc,
		Gates:      f.gates,
		Plugins:    NewPluginLoader(osFiles{}, f.registry, zap.NewNop()),
		Jobs:       usecase.NewJobTable(usecase.DefaultJobRetention, zap.NewNop()),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func bridgeNames(s *Session) []string {
	var names []string
	for _, b := range s.Bridges() {
		names = append(names, b.Name)
	}
	return names
}

var errBoom = errors.New("boom")
