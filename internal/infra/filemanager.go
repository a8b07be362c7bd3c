package infra

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// ShellFileManager implements domain.FileManager by running commands on the root shell.
// Content is moved as base64 so binary files survive the line-based transport.
type ShellFileManager struct {
	shell domain.Shell
}

// NewFileManager creates a file manager bound to shell.
func NewFileManager(shell domain.Shell) *ShellFileManager {
	return &ShellFileManager{shell: shell}
}

// run executes cmds and turns a non-zero exit into an error carrying stderr.
func (fm *ShellFileManager) run(op, path string, cmds ...string) (domain.ShellResult, error) {
	res, err := fm.shell.Exec(cmds...)
	if err != nil {
		return res, fmt.Errorf("%s %s: %w", op, path, err)
	}
	if !res.Success {
		msg := strings.TrimSpace(strings.Join(res.Err, "\n"))
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.Code)
		}
		return res, fmt.Errorf("%s %s: %s", op, path, msg)
	}
	return res, nil
}

// Exists checks if a path exists.
func (fm *ShellFileManager) Exists(path string) bool {
	res, err := fm.shell.Exec("[ -e " + ShellQuote(path) + " ]")
	return err == nil && res.Success
}

// ReadText returns the file content as a string.
func (fm *ShellFileManager) ReadText(path string) (string, error) {
	data, err := fm.ReadBytes(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadBytes returns the exact file content.
func (fm *ShellFileManager) ReadBytes(path string) ([]byte, error) {
	res, err := fm.run("read", path, "base64 "+ShellQuote(path))
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(strings.Join(res.Out, ""))
	if err != nil {
		return nil, fmt.Errorf("read %s: failed to decode content: %w", path, err)
	}
	return data, nil
}

// WriteText replaces the file content, creating the file if needed.
func (fm *ShellFileManager) WriteText(path, content string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	_, err := fm.run("write", path,
		"printf '%s' "+ShellQuote(encoded)+" | base64 -d > "+ShellQuote(path))
	return err
}

// List returns entries under path. A missing path yields an empty list.
func (fm *ShellFileManager) List(path string, recursive bool) ([]string, error) {
	if !fm.Exists(path) {
		return []string{}, nil
	}

	cmd := "find " + ShellQuote(path) + " -mindepth 1 -maxdepth 1"
	if recursive {
		cmd = "find " + ShellQuote(path) + " -type f"
	}
	res, err := fm.run("list", path, cmd)
	if err != nil {
		return nil, err
	}

	entries := make([]string, 0, len(res.Out))
	for _, line := range res.Out {
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// Size returns the total size of regular files under path.
func (fm *ShellFileManager) Size(path string) (int64, error) {
	res, err := fm.run("size", path,
		"find "+ShellQuote(path)+" -type f -exec stat -c %s {} +")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, line := range res.Out {
		n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

// ModTime returns the modification time as unix seconds.
func (fm *ShellFileManager) ModTime(path string) (int64, error) {
	res, err := fm.run("stat", path, "stat -c %Y "+ShellQuote(path))
	if err != nil {
		return 0, err
	}
	if len(res.Out) == 0 {
		return 0, fmt.Errorf("stat %s: empty output", path)
	}
	return strconv.ParseInt(strings.TrimSpace(res.Out[0]), 10, 64)
}

// Touch creates an empty file if missing. Existing content is kept.
func (fm *ShellFileManager) Touch(path string) error {
	_, err := fm.run("touch", path, ">> "+ShellQuote(path))
	return err
}

// Delete removes a file. Missing files are not an error.
func (fm *ShellFileManager) Delete(path string) error {
	_, err := fm.run("delete", path, "rm -f "+ShellQuote(path))
	return err
}

// Ensure ShellFileManager implements domain.FileManager.
var _ domain.FileManager = (*ShellFileManager)(nil)
