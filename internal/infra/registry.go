package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

const endpointFileName = "service.json"

// FileEndpointRegistry implements domain.EndpointRegistry using a JSON file
// next to the service socket.
type FileEndpointRegistry struct {
	path           string
	processManager domain.ProcessManager
}

// NewEndpointRegistry creates a registry stored in dataDir.
func NewEndpointRegistry(dataDir string, pm domain.ProcessManager) *FileEndpointRegistry {
	return &FileEndpointRegistry{
		path:           filepath.Join(dataDir, endpointFileName),
		processManager: pm,
	}
}

// NewEndpointRegistryWithPath creates a registry at a specific path (for testing).
func NewEndpointRegistryWithPath(path string, pm domain.ProcessManager) *FileEndpointRegistry {
	return &FileEndpointRegistry{path: path, processManager: pm}
}

// Path returns the registry file path.
func (r *FileEndpointRegistry) Path() string {
	return r.path
}

// Publish records the running service, replacing any previous entry.
func (r *FileEndpointRegistry) Publish(ep domain.ServiceEndpoint) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	// A client may race a starting service; serialize writers.
	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	if ep.Version == 0 {
		ep.Version = 1
	}
	return r.atomicWrite(&ep)
}

// Lookup returns the published endpoint, or nil if none was published.
func (r *FileEndpointRegistry) Lookup() (*domain.ServiceEndpoint, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ep domain.ServiceEndpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("corrupt endpoint file %s: %w", r.path, err)
	}
	return &ep, nil
}

// LookupLive returns the endpoint only if its process is still running.
// Stale entries are cleared.
func (r *FileEndpointRegistry) LookupLive() (*domain.ServiceEndpoint, error) {
	ep, err := r.Lookup()
	if err != nil || ep == nil {
		return nil, err
	}
	if r.processManager != nil && !r.processManager.IsRunning(ep.PID) {
		_ = r.Clear()
		return nil, nil
	}
	return ep, nil
}

// Clear removes the endpoint file. A missing file is not an error.
func (r *FileEndpointRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// atomicWrite writes the endpoint atomically (write + rename).
func (r *FileEndpointRegistry) atomicWrite(ep *domain.ServiceEndpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileEndpointRegistry implements domain.EndpointRegistry.
var _ domain.EndpointRegistry = (*FileEndpointRegistry)(nil)
