package domain

import (
	"fmt"
	"strings"
)

// Platform identifies the root provider a service runs under.
type Platform string

const (
	PlatformMagisk   Platform = "magisk"
	PlatformKernelSU Platform = "kernelsu"
	PlatformKsuNext  Platform = "ksunext"
	PlatformAPatch   Platform = "apatch"
	PlatformNonRoot  Platform = "nonroot"
	// PlatformEmpty is what clients report while no service is connected.
	// ResolvePlatform never returns it.
	PlatformEmpty Platform = "empty"
)

// HelpMessage is attached to UnsupportedPlatformError. Markdown.
const HelpMessage = `Try to remove root permission from rootmm, stop the service, grant root permission again and retry. If this issue persists please report it on our issue tracker.
**Required is following**
- Device specs
- Root provider
- Logs *(run with --verbose and attach the log file)*
- A way to reproduce the issue`

// UnsupportedPlatformError is returned when no provider matches the signal.
type UnsupportedPlatformError struct {
	Signal string
	Help   string
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("unsupported platform: %s", e.Signal)
}

// IsRoot reports whether the platform has a root provider behind it.
func (p Platform) IsRoot() bool {
	switch p {
	case PlatformMagisk, PlatformKernelSU, PlatformKsuNext, PlatformAPatch:
		return true
	}
	return false
}

// IsKernelSU reports whether the platform is KernelSU or a fork of it.
func (p Platform) IsKernelSU() bool {
	return p == PlatformKernelSU || p == PlatformKsuNext
}

func (p Platform) String() string {
	return string(p)
}

// contextPlatforms maps provider security contexts to platforms.
// The generic su context is shared by several providers and is
// disambiguated by the caller before resolution.
var contextPlatforms = map[string]Platform{
	"u:r:magisk:s0": PlatformMagisk,
}

// ResolvePlatform maps a signal to exactly one Platform.
// Accepted signals are working-mode names (optionally prefixed with "MODE_",
// case-insensitive) and known provider security contexts.
func ResolvePlatform(signal string) (Platform, error) {
	s := strings.TrimSpace(signal)
	if p, ok := contextPlatforms[s]; ok {
		return p, nil
	}

	mode := strings.ToLower(s)
	mode = strings.TrimPrefix(mode, "mode_")
	mode = strings.NewReplacer("_", "", "-", "", " ", "").Replace(mode)

	switch mode {
	case "magisk":
		return PlatformMagisk, nil
	case "kernelsu", "ksu":
		return PlatformKernelSU, nil
	case "kernelsunext", "ksunext":
		return PlatformKsuNext, nil
	case "apatch":
		return PlatformAPatch, nil
	case "nonroot":
		return PlatformNonRoot, nil
	}

	return "", &UnsupportedPlatformError{Signal: signal, Help: HelpMessage}
}
