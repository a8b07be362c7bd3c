package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
)

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Ksu implements domain.KsuService on the service's root shell.
type Ksu struct {
	shell   domain.Shell
	modules func() (domain.ModuleManager, error)
}

// NewKsu creates the root capability. modules is resolved on each ModuleInfo call.
func NewKsu(shell domain.Shell, modules func() (domain.ModuleManager, error)) *Ksu {
	return &Ksu{shell: shell, modules: modules}
}

// Exec runs cmd through sh -c, in opts.Cwd with opts.Env added.
func (k *Ksu) Exec(cmd string, opts domain.ExecOptions) (domain.ShellResult, error) {
	line, err := commandLine("sh -c "+infra.ShellQuote(cmd), opts)
	if err != nil {
		return domain.ShellResult{}, err
	}
	return k.shell.Exec(line)
}

// Spawn runs command with args on a dedicated shell and streams to cb.
func (k *Ksu) Spawn(ctx context.Context, command string, args []string, opts domain.ExecOptions, cb domain.ShellCallback) (domain.Job, error) {
	if command == "" {
		return nil, fmt.Errorf("spawn: empty command")
	}
	argv := make([]string, 0, len(args)+1)
	argv = append(argv, infra.ShellQuote(command))
	for _, a := range args {
		argv = append(argv, infra.ShellQuote(a))
	}
	line, err := commandLine(strings.Join(argv, " "), opts)
	if err != nil {
		return nil, err
	}
	return k.shell.NewJob(ctx, []string{line}, cb)
}

// ModuleInfo returns the installed module with id.
func (k *Ksu) ModuleInfo(id string) (*domain.Module, error) {
	mm, err := k.modules()
	if err != nil {
		return nil, err
	}
	return mm.Module(id)
}

// commandLine prefixes cmd with a subshell cd and env assignments.
func commandLine(cmd string, opts domain.ExecOptions) (string, error) {
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		if !envName.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("(")
	if opts.Cwd != "" {
		b.WriteString("cd " + infra.ShellQuote(opts.Cwd) + " && ")
	}
	if len(keys) > 0 {
		b.WriteString("env")
		for _, k := range keys {
			b.WriteString(" " + infra.ShellQuote(k+"="+opts.Env[k]))
		}
		b.WriteString(" ")
	}
	b.WriteString(cmd)
	b.WriteString(")")
	return b.String(), nil
}

// Ensure Ksu implements domain.KsuService.
var _ domain.KsuService = (*Ksu)(nil)
