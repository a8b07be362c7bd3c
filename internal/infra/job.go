package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// ShellJob is a command sequence running on its own shell process.
// Closing the job kills the shell and every process it spawned.
type ShellJob struct {
	id     string
	cmd    *exec.Cmd
	pm     domain.ProcessManager
	logger *zap.Logger

	done      chan struct{}
	code      int
	err       error
	closeOnce sync.Once
}

// startJob launches a dedicated shell, feeds it cmds on stdin and streams output to cb.
func startJob(
	ctx context.Context,
	config ShellConfig,
	cmds []string,
	cb domain.ShellCallback,
	pm domain.ProcessManager,
	logger *zap.Logger,
) (*ShellJob, error) {
	if cb == nil {
		cb = domain.ShellCallbackFuncs{}
	}

	cmd := exec.Command(config.Command[0], config.Command[1:]...)
	cmd.Env = append(os.Environ(), config.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = strings.NewReader(strings.Join(cmds, "\n") + "\n")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open job stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open job stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start job shell: %w", err)
	}

	job := &ShellJob{
		id:     uuid.New().String(),
		cmd:    cmd,
		pm:     pm,
		logger: logger,
		done:   make(chan struct{}),
		code:   -1,
	}

	logger.Debug("job started",
		zap.String("job", job.id),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("commands", len(cmds)))

	var streams sync.WaitGroup
	streams.Add(2)
	go streamLines(stdout, cb.OnStdout, &streams)
	go streamLines(stderr, cb.OnStderr, &streams)

	go func() {
		// Pipes must be drained before Wait closes them.
		streams.Wait()
		werr := cmd.Wait()
		job.code = exitCode(werr)
		if werr != nil && job.code < 0 {
			job.err = werr
		}
		cb.OnExit(job.code)
		logger.Debug("job exited", zap.String("job", job.id), zap.Int("code", job.code))
		close(job.done)
	}()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = job.Close()
			case <-job.done:
			}
		}()
	}

	return job, nil
}

func streamLines(r io.Reader, emit func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	lines := make(chan string, 64)
	go pumpLines(r, lines)
	for line := range lines {
		emit(line)
	}
}

// exitCode extracts the process exit status. Killed processes report -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ID returns the job identifier.
func (j *ShellJob) ID() string {
	return j.id
}

// Done is closed once the job shell exited.
func (j *ShellJob) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job exits.
func (j *ShellJob) Wait() (int, error) {
	<-j.done
	return j.code, j.err
}

// Close kills the job's process tree. Safe to call more than once.
func (j *ShellJob) Close() error {
	var err error
	j.closeOnce.Do(func() {
		select {
		case <-j.done:
			return
		default:
		}
		pid := j.cmd.Process.Pid
		j.logger.Info("cancelling job", zap.String("job", j.id), zap.Int("pid", pid))
		if j.pm != nil {
			if err = j.pm.KillTree(pid); err == nil {
				return
			}
		}
		// Fall back to the process group created with Setpgid.
		err = syscall.Kill(-pid, syscall.SIGKILL)
	})
	return err
}

// Ensure ShellJob implements domain.Job.
var _ domain.Job = (*ShellJob)(nil)
