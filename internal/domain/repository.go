package domain

import "context"

// ShellCallback receives output of a streaming shell job.
type ShellCallback interface {
	OnStdout(line string)
	OnStderr(line string)
	OnExit(code int)
}

// ShellCallbackFuncs adapts plain functions to ShellCallback. Nil fields are skipped.
type ShellCallbackFuncs struct {
	Stdout func(line string)
	Stderr func(line string)
	Exit   func(code int)
}

func (f ShellCallbackFuncs) OnStdout(line string) {
	if f.Stdout != nil {
		f.Stdout(line)
	}
}

func (f ShellCallbackFuncs) OnStderr(line string) {
	if f.Stderr != nil {
		f.Stderr(line)
	}
}

func (f ShellCallbackFuncs) OnExit(code int) {
	if f.Exit != nil {
		f.Exit(code)
	}
}

// Job is a running command sequence on a dedicated shell.
type Job interface {
	// ID returns the job identifier used for streaming and cancellation.
	ID() string

	// Wait blocks until the job exits and returns its exit code.
	Wait() (int, error)

	// Done is closed when the job has exited.
	Done() <-chan struct{}

	// Close terminates the job shell and everything it spawned.
	Close() error
}

// Shell is a long-lived privileged shell session.
// Commands are executed sequentially; Exec is safe for concurrent callers.
type Shell interface {
	// Exec runs the commands in order and waits for the last exit code.
	Exec(cmds ...string) (ShellResult, error)

	// NewJob runs the commands on a dedicated shell and streams output to cb.
	NewJob(ctx context.Context, cmds []string, cb ShellCallback) (Job, error)

	// IsAlive reports whether the shell process is still running.
	IsAlive() bool

	// Close terminates the shell process.
	Close() error
}

// FileManager performs privileged file operations through the root shell.
type FileManager interface {
	// Exists reports whether path exists. Never fails; errors read as false.
	Exists(path string) bool

	// ReadText returns the file content as a string.
	ReadText(path string) (string, error)

	// ReadBytes returns the exact file content.
	ReadBytes(path string) ([]byte, error)

	// WriteText replaces the file content.
	WriteText(path, content string) error

	// List returns entries under path. A missing path yields an empty list.
	// With recursive set only regular files are returned, at any depth.
	List(path string, recursive bool) ([]string, error)

	// Size returns the total size in bytes of a file or directory tree.
	Size(path string) (int64, error)

	// ModTime returns the modification time as unix seconds.
	ModTime(path string) (int64, error)

	// Touch creates an empty file if missing.
	Touch(path string) error

	// Delete removes a file if present.
	Delete(path string) error
}

// OpsCallback receives the outcome of a module mutation.
// Exactly one method is called per operation. msg is empty when
// there is no underlying error message (e.g. the module does not exist).
type OpsCallback interface {
	OnSuccess(id string)
	OnFailure(id string, msg string)
}

// OpsCallbackFuncs adapts plain functions to OpsCallback.
type OpsCallbackFuncs struct {
	Success func(id string)
	Failure func(id string, msg string)
}

func (f OpsCallbackFuncs) OnSuccess(id string) {
	if f.Success != nil {
		f.Success(id)
	}
}

func (f OpsCallbackFuncs) OnFailure(id string, msg string) {
	if f.Failure != nil {
		f.Failure(id, msg)
	}
}

// ModuleManager implements module lifecycle for one root provider.
type ModuleManager interface {
	// ManagerName returns the provider display name.
	ManagerName() string

	// Version returns the provider version string.
	Version() string

	// VersionCode returns the provider version code.
	VersionCode() int

	// Compatibility returns provider capability flags.
	Compatibility() ModuleCompatibility

	// IsSafeMode reports whether the device booted in safe mode.
	IsSafeMode() bool

	// IsLkmMode reports whether the provider runs as a loadable kernel module.
	IsLkmMode() bool

	// Modules lists all installed modules with their derived state.
	Modules() ([]Module, error)

	// Module reads one module. Returns ErrModuleNotFound if absent.
	Module(id string) (*Module, error)

	// Enable removes both disable and remove markers.
	Enable(id string, cb OpsCallback)

	// Disable removes the remove marker and creates the disable marker.
	Disable(id string, cb OpsCallback)

	// Remove removes the disable marker and creates the remove marker.
	Remove(id string, cb OpsCallback)

	// Action runs the module's action.sh on a dedicated shell.
	Action(ctx context.Context, id string, cb ShellCallback) (Job, error)

	// Install installs a module archive through the provider.
	Install(ctx context.Context, path string, cb ShellCallback) (Job, error)
}

// ExecOptions controls a KsuService command.
type ExecOptions struct {
	Cwd string            `json:"cwd,omitempty"`
	Env map[string]string `json:"env,omitempty"`
}

// KsuService is the auxiliary root capability used by WebUI root bridges.
type KsuService interface {
	// Exec runs a command line on the root shell.
	Exec(cmd string, opts ExecOptions) (ShellResult, error)

	// Spawn runs a program with arguments on a dedicated shell.
	Spawn(ctx context.Context, command string, args []string, opts ExecOptions, cb ShellCallback) (Job, error)

	// ModuleInfo returns the module with the given id.
	ModuleInfo(id string) (*Module, error)
}

// ServiceManager is the privileged service boundary.
// Implemented in-process by service.Manager and remotely by ipc.Client.
type ServiceManager interface {
	UID() int
	PID() int
	SELinuxContext() string

	// CurrentPlatform returns the resolved platform or the resolution error.
	CurrentPlatform() (Platform, error)

	// ModuleManager returns the provider-specific manager.
	ModuleManager() (ModuleManager, error)

	KsuService() KsuService
	FileManager() FileManager

	// Destroy tears the service down. For the in-process service this exits the process.
	Destroy()
}

// ProcessManager inspects and kills OS processes.
type ProcessManager interface {
	// FindByName returns PIDs whose process name is exactly name.
	FindByName(name string) ([]int, error)

	// KillTree terminates a process and all of its descendants.
	KillTree(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool
}

// PermissionStore persists WebUI allow-lists.
type PermissionStore interface {
	// IsGranted reports whether moduleID is in the allow-list for p.
	IsGranted(moduleID string, p Permission) (bool, error)

	// Grant adds moduleID to the allow-list for p.
	Grant(moduleID string, p Permission) error

	// Revoke removes moduleID from the allow-list for p.
	Revoke(moduleID string, p Permission) error

	// List returns the allow-list for p.
	List(p Permission) ([]string, error)

	// Close releases resources (e.g., database connection).
	Close() error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// EndpointRegistry publishes and discovers the running service.
// Implementation: JSON file next to the service socket.
type EndpointRegistry interface {
	// Publish records the running service.
	Publish(ep ServiceEndpoint) error

	// Lookup returns the published endpoint, or nil if none.
	Lookup() (*ServiceEndpoint, error)

	// Clear removes the published endpoint.
	Clear() error

	// Path returns the registry file path (for tests).
	Path() string
}
