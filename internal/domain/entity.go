// Package domain contains core business entities and interfaces.
// This is the innermost layer - no external dependencies.
package domain

import "time"

// State is the lifecycle state of an installed module.
// It is derived from sentinel files in the module directory, never stored.
type State string

const (
	StateEnable  State = "ENABLE"
	StateDisable State = "DISABLE"
	StateRemove  State = "REMOVE"
	StateUpdate  State = "UPDATE"
)

// Sentinel file names inside a module directory.
const (
	DisableMarker = "disable"
	RemoveMarker  = "remove"
	UpdateMarker  = "update"
	ActionScript  = "action.sh"
	PropFile      = "module.prop"
	WebRootDir    = "webroot"
)

// ModuleFeatures flags optional module capabilities.
type ModuleFeatures struct {
	WebUI  bool `json:"webui"`
	Action bool `json:"action"`
}

// Module is an installed module as seen on disk.
type Module struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Author      string         `json:"author"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	VersionCode int            `json:"version_code"`
	UpdateJSON  string         `json:"update_json,omitempty"`
	Size        int64          `json:"size"`
	LastUpdated time.Time      `json:"last_updated"`
	Features    ModuleFeatures `json:"features"`
	State       State          `json:"state"`
}

// ModuleCompatibility describes what the active provider supports.
type ModuleCompatibility struct {
	HasMagicMount     bool `json:"has_magic_mount"`
	CanRestoreModules bool `json:"can_restore_modules"`
}

// ShellResult is the outcome of a command sequence run on a shell.
type ShellResult struct {
	Out     []string `json:"out"`
	Err     []string `json:"err"`
	Code    int      `json:"code"`
	Success bool     `json:"success"`
}

// Permission names a WebUI capability that needs user consent.
type Permission string

const (
	PermissionFileSystem   Permission = "filesystem"
	PermissionAdvancedRoot Permission = "advanced_root"
)

// ServiceInfo is the identity of a running privileged service.
type ServiceInfo struct {
	UID      int    `json:"uid"`
	PID      int    `json:"pid"`
	Context  string `json:"context"`
	Platform string `json:"platform"`
}

// ManagerInfo summarizes the provider-specific module manager.
type ManagerInfo struct {
	Name          string              `json:"name"`
	Version       string              `json:"version"`
	VersionCode   int                 `json:"version_code"`
	Compatibility ModuleCompatibility `json:"compatibility"`
	SafeMode      bool                `json:"safe_mode"`
	LkmMode       bool                `json:"lkm_mode"`
}

// ServiceEndpoint is what a running service publishes for client discovery.
// Persisted to a file next to the socket.
type ServiceEndpoint struct {
	Version   int    `json:"version"`
	PID       int    `json:"pid"`
	Socket    string `json:"socket"`
	Platform  string `json:"platform"`
	StartedAt int64  `json:"started_at"`
	BinderPID int    `json:"binder_pid,omitempty"`
}

// ModuleUpdate is the document a module's updateJson URL serves.
type ModuleUpdate struct {
	Version     string `json:"version"`
	VersionCode int    `json:"versionCode"`
	ZipURL      string `json:"zipUrl"`
	Changelog   string `json:"changelog,omitempty"`
}

// Newer reports whether u is a newer release than m.
func (u ModuleUpdate) Newer(m Module) bool {
	return u.VersionCode > m.VersionCode
}
