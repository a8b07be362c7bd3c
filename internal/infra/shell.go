package infra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// ShellConfig describes how to start a shell process.
type ShellConfig struct {
	// Command is the shell binary and its arguments, e.g. ["su"] or ["sh"].
	Command []string
	// Env is appended to the inherited environment.
	Env []string
}

// DefaultShellConfig returns the root shell used on devices.
func DefaultShellConfig() ShellConfig {
	return ShellConfig{Command: []string{"su"}}
}

// RootShell implements domain.Shell over one persistent shell process.
// The process is started lazily on first use and restarted if it died.
// Each Exec is delimited by a unique marker carrying the exit status.
type RootShell struct {
	config ShellConfig
	pm     domain.ProcessManager
	logger *zap.Logger

	mu     sync.Mutex
	proc   *exec.Cmd
	stdin  io.WriteCloser
	stdout chan string
	stderr chan string
	exited chan struct{}
	closed bool
	seq    atomic.Uint64
}

// NewRootShell creates a lazily started shell.
func NewRootShell(config ShellConfig, pm domain.ProcessManager, logger *zap.Logger) *RootShell {
	if len(config.Command) == 0 {
		config = DefaultShellConfig()
	}
	return &RootShell{
		config: config,
		pm:     pm,
		logger: logger,
	}
}

// start launches the shell process. Caller holds s.mu.
func (s *RootShell) start() error {
	cmd := exec.Command(s.config.Command[0], s.config.Command[1:]...)
	cmd.Env = append(os.Environ(), s.config.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open shell stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open shell stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open shell stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start shell %q: %w", s.config.Command[0], err)
	}

	s.proc = cmd
	s.stdin = stdin
	s.stdout = make(chan string, 256)
	s.stderr = make(chan string, 256)
	s.exited = make(chan struct{})

	go pumpLines(stdout, s.stdout)
	go pumpLines(stderr, s.stderr)
	go func(exited chan struct{}) {
		_ = cmd.Wait()
		close(exited)
	}(s.exited)

	s.logger.Debug("root shell started",
		zap.Strings("command", s.config.Command),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

// pumpLines forwards complete lines from r to out and closes out at EOF.
func pumpLines(r io.Reader, out chan<- string) {
	defer close(out)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			out <- strings.TrimSuffix(line, "\n")
		}
		if err != nil {
			return
		}
	}
}

// alive reports whether the process is running. Caller holds s.mu.
func (s *RootShell) alive() bool {
	if s.proc == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// IsAlive reports whether the shell process is running.
func (s *RootShell) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive()
}

// Exec runs cmds in order on the persistent shell and returns their combined output.
func (s *RootShell) Exec(cmds ...string) (domain.ShellResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ShellResult{}, domain.ErrShellClosed
	}
	if !s.alive() {
		if err := s.start(); err != nil {
			return domain.ShellResult{}, err
		}
	}

	if len(cmds) == 0 {
		cmds = []string{":"}
	}

	marker := fmt.Sprintf("__ROOTMM_%d_%d__", s.proc.Process.Pid, s.seq.Add(1))
	script := "{\n" + strings.Join(cmds, "\n") + "\n} </dev/null\n" +
		"echo \"" + marker + " $?\"\n" +
		"echo \"" + marker + "\" >&2\n"

	if _, err := io.WriteString(s.stdin, script); err != nil {
		return domain.ShellResult{}, fmt.Errorf("failed to write to shell: %w", err)
	}

	result := domain.ShellResult{Code: -1}

	// Both streams are drained concurrently; a full stderr pipe would
	// otherwise stall the shell before it prints the stdout marker.
	var (
		wg             sync.WaitGroup
		code           int
		outErr, errErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		code, result.Out, outErr = collectUntil(s.stdout, marker, true)
	}()
	go func() {
		defer wg.Done()
		_, result.Err, errErr = collectUntil(s.stderr, marker, false)
	}()
	wg.Wait()

	if outErr != nil {
		return result, outErr
	}
	if errErr != nil {
		return result, errErr
	}

	result.Code = code
	result.Success = code == 0
	return result, nil
}

// collectUntil reads lines until the marker. Output not terminated by a
// newline arrives glued to the marker and is split off.
func collectUntil(lines <-chan string, marker string, withCode bool) (int, []string, error) {
	collected := []string{}
	for line := range lines {
		idx := strings.Index(line, marker)
		if idx < 0 {
			collected = append(collected, line)
			continue
		}
		if idx > 0 {
			collected = append(collected, line[:idx])
		}
		if !withCode {
			return 0, collected, nil
		}
		code, err := strconv.Atoi(strings.TrimSpace(line[idx+len(marker):]))
		if err != nil {
			return -1, collected, fmt.Errorf("malformed shell status %q: %w", line, err)
		}
		return code, collected, nil
	}
	return -1, collected, domain.ErrShellClosed
}

// NewJob starts cmds on a dedicated shell process.
func (s *RootShell) NewJob(ctx context.Context, cmds []string, cb domain.ShellCallback) (domain.Job, error) {
	job, err := startJob(ctx, s.config, cmds, cb, s.pm, s.logger)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Close terminates the shell process and its children.
func (s *RootShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if !s.alive() {
		return nil
	}
	_ = s.stdin.Close()
	if s.pm != nil {
		if err := s.pm.KillTree(s.proc.Process.Pid); err == nil {
			return nil
		}
	}
	return s.proc.Process.Kill()
}

// ShellQuote quotes s for use as a single POSIX shell word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Ensure RootShell implements domain.Shell.
var _ domain.Shell = (*RootShell)(nil)
