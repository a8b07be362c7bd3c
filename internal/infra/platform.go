package infra

import (
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

const (
	// DefaultContextPath exposes the security context of the current process.
	DefaultContextPath = "/proc/self/attr/current"

	ksudPath   = "/data/adb/ksud"
	apdPath    = "/data/adb/apd"
	magiskPath = "/data/adb/magisk"
)

// PlatformDetector builds the signal that domain.ResolvePlatform consumes.
// Precedence: configured working mode, a provider-specific security context,
// then provider daemon and binary probing. When nothing matches, the raw
// security context is returned so resolution fails with it.
type PlatformDetector struct {
	mode        string
	contextPath string
	pm          domain.ProcessManager
	fm          domain.FileManager
	shell       domain.Shell
	logger      *zap.Logger
}

// NewPlatformDetector creates a detector. mode may be empty for auto-detection.
func NewPlatformDetector(
	mode string,
	pm domain.ProcessManager,
	fm domain.FileManager,
	shell domain.Shell,
	logger *zap.Logger,
) *PlatformDetector {
	return &PlatformDetector{
		mode:        mode,
		contextPath: DefaultContextPath,
		pm:          pm,
		fm:          fm,
		shell:       shell,
		logger:      logger,
	}
}

// WithContextPath overrides where the security context is read from (for testing).
func (d *PlatformDetector) WithContextPath(path string) *PlatformDetector {
	d.contextPath = path
	return d
}

// SELinuxContext returns the security context of this process, or "" if unavailable.
func (d *PlatformDetector) SELinuxContext() string {
	data, err := os.ReadFile(d.contextPath)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\x00\n ")
}

// Signal returns the provider signal for this process.
func (d *PlatformDetector) Signal() string {
	if d.mode != "" {
		return d.mode
	}

	seContext := d.SELinuxContext()
	if _, err := domain.ResolvePlatform(seContext); err == nil {
		return seContext
	}

	if probed := d.probe(); probed != "" {
		d.logger.Debug("platform probed",
			zap.String("signal", probed),
			zap.String("context", seContext))
		return probed
	}

	if seContext == "" {
		return "unknown"
	}
	return seContext
}

// probe looks for provider daemons first, then provider binaries.
func (d *PlatformDetector) probe() string {
	if d.pm != nil {
		if pids, err := d.pm.FindByName("magiskd"); err == nil && len(pids) > 0 {
			return string(domain.PlatformMagisk)
		}
	}
	if d.fm == nil {
		return ""
	}
	switch {
	case d.fm.Exists(ksudPath):
		if d.isKsuNext() {
			return string(domain.PlatformKsuNext)
		}
		return string(domain.PlatformKernelSU)
	case d.fm.Exists(apdPath):
		return string(domain.PlatformAPatch)
	case d.fm.Exists(magiskPath):
		return string(domain.PlatformMagisk)
	}
	return ""
}

func (d *PlatformDetector) isKsuNext() bool {
	if d.shell == nil {
		return false
	}
	res, err := d.shell.Exec(ksudPath + " -V")
	if err != nil || !res.Success {
		return false
	}
	return strings.Contains(strings.ToLower(strings.Join(res.Out, " ")), "next")
}
