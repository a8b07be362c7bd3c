package modules

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/rootmm/internal/domain"
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
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, filepath.Join(path, e.Name()))
	}
	return out, nil
}

func (osFiles) Size(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return err
	})
	return total, err
}

func (osFiles) ModTime(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().Unix(), nil
}

func (osFiles) Touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (osFiles) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// fakeShell answers Exec from canned results and records jobs.
type fakeShell struct {
	mu        sync.Mutex
	results   map[string]domain.ShellResult
	execs     []string
	jobs      [][]string
	jobExit   int
	beforeEnd func(cmds []string)
}

func newFakeShell() *fakeShell {
	return &fakeShell{results: make(map[string]domain.ShellResult)}
}

func (s *fakeShell) on(cmd string, out ...string) {
	s.results[cmd] = domain.ShellResult{Out: out, Err: []string{}, Success: true}
}

func (s *fakeShell) Exec(cmds ...string) (domain.ShellResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res domain.ShellResult
	for _, c := range cmds {
		s.execs = append(s.execs, c)
		var ok bool
		res, ok = s.results[c]
		if !ok {
			res = domain.ShellResult{Out: []string{}, Err: []string{}, Code: 1}
		}
	}
	return res, nil
}

func (s *fakeShell) NewJob(_ context.Context, cmds []string, cb domain.ShellCallback) (domain.Job, error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, cmds)
	code := s.jobExit
	before := s.beforeEnd
	s.mu.Unlock()

	job := &fakeJob{done: make(chan struct{}), code: code}
	go func() {
		if before != nil {
			before(cmds)
		}
		cb.OnStdout("- Done")
		cb.OnExit(code)
		close(job.done)
	}()
	return job, nil
}

func (s *fakeShell) IsAlive() bool { return true }
func (s *fakeShell) Close() error  { return nil }

func (s *fakeShell) execCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.execs {
		if c == cmd {
			n++
		}
	}
	return n
}

func (s *fakeShell) lastJob() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return nil
	}
	return s.jobs[len(s.jobs)-1]
}

type fakeJob struct {
	done chan struct{}
	code int
}

func (j *fakeJob) ID() string            { return "job-1" }
func (j *fakeJob) Done() <-chan struct{} { return j.done }
func (j *fakeJob) Close() error          { return nil }
func (j *fakeJob) Wait() (int, error)    { <-j.done; return j.code, nil }

// opsResult collects the callbacks of one operation.
type opsResult struct {
	ch chan string
}

func newOpsResult() *opsResult {
	return &opsResult{ch: make(chan string, 4)}
}

func (r *opsResult) OnSuccess(id string)             { r.ch <- "ok:" + id }
func (r *opsResult) OnFailure(id string, msg string) { r.ch <- "fail:" + id + ":" + msg }

// wait returns the first callback and fails if a second one arrives.
func (r *opsResult) wait(t *testing.T) string {
	t.Helper()
	var got string
	select {
	case got = <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no callback")
	}
	select {
	case extra := <-r.ch:
		t.Fatalf("second callback %q after %q", extra, got)
	case <-time.After(50 * time.Millisecond):
	}
	return got
}

// writeModule creates <dir>/<id> with a module.prop and the given extra files.
func writeModule(t *testing.T, dir, id string, files ...string) string {
	t.Helper()
	modDir := filepath.Join(dir, id)
	require.NoError(t, os.MkdirAll(modDir, 0755))
	prop := "id=" + id + "\nname=Module " + id + "\nversion=v1.0\nversionCode=100\nauthor=Tester\ndescription=Test module\n"
	require.NoError(t, os.WriteFile(filepath.Join(modDir, domain.PropFile), []byte(prop), 0644))
	for _, f := range files {
		p := filepath.Join(modDir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, nil, 0644))
	}
	return modDir
}

// moduleZip builds an installable archive for id.
func moduleZip(t *testing.T, dir, id string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(domain.PropFile)
	require.NoError(t, err)
	_, err = w.Write([]byte("id=" + id + "\nname=" + id + "\n"))
	require.NoError(t, err)
	w, err = zw.Create("customize.sh")
	require.NoError(t, err)
	_, err = w.Write([]byte("ui_print hi\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(dir, id+".zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func entryNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
