package modules

import (
	"fmt"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// Variant holds what differs between root providers.
// Everything else about module handling lives in Manager.
type Variant interface {
	// Platform returns the platform this variant serves.
	Platform() domain.Platform

	// Name returns the provider display name.
	Name() string

	// Compatibility returns provider capability flags.
	Compatibility() domain.ModuleCompatibility

	// VersionCommands return the shell commands printing the version name and code.
	VersionCommand() string
	VersionCodeCommand() string

	// Env returns the export lines run before action and install scripts.
	Env(version string, versionCode int) []string

	// ActionCommand runs the module's action script.
	ActionCommand(moduleDir string) string

	// InstallCommand installs a module archive.
	InstallCommand(zipPath string) string

	// SafeModeCommand succeeds when the device booted in safe mode. Empty if unknown.
	SafeModeCommand() string

	// LkmCommand succeeds when the provider runs as a loadable kernel module. Empty if never.
	LkmCommand() string
}

const safeModeCheck = `[ "$(getprop persist.sys.safemode)" = "1" ]`

// Magisk

type magiskVariant struct{}

// NewMagiskVariant returns the Magisk provider variant.
func NewMagiskVariant() Variant { return magiskVariant{} }

func (magiskVariant) Platform() domain.Platform { return domain.PlatformMagisk }
func (magiskVariant) Name() string              { return "Magisk" }

func (magiskVariant) Compatibility() domain.ModuleCompatibility {
	return domain.ModuleCompatibility{HasMagicMount: true, CanRestoreModules: true}
}

func (magiskVariant) VersionCommand() string     { return "magisk -v" }
func (magiskVariant) VersionCodeCommand() string { return "magisk -V" }

func (magiskVariant) Env(version string, versionCode int) []string {
	return []string{
		"export ASH_STANDALONE=1",
		"export MAGISK=true",
		"export MAGISK_VER=" + quote(version),
		"export MAGISKTMP=$(magisk --path)",
		fmt.Sprintf("export MAGISK_VER_CODE=%d", versionCode),
	}
}

func (magiskVariant) ActionCommand(moduleDir string) string {
	return "busybox sh " + quote(moduleDir+"/"+domain.ActionScript)
}

func (magiskVariant) InstallCommand(zipPath string) string {
	return "magisk --install-module " + quote(zipPath)
}

func (magiskVariant) SafeModeCommand() string { return "" }
func (magiskVariant) LkmCommand() string      { return "" }

// KernelSU

const ksuBusybox = "/data/adb/ksu/bin/busybox"

type kernelSUVariant struct{}

// NewKernelSUVariant returns the KernelSU provider variant.
func NewKernelSUVariant() Variant { return kernelSUVariant{} }

func (kernelSUVariant) Platform() domain.Platform { return domain.PlatformKernelSU }
func (kernelSUVariant) Name() string              { return "KernelSU" }

func (kernelSUVariant) Compatibility() domain.ModuleCompatibility {
	return domain.ModuleCompatibility{HasMagicMount: false, CanRestoreModules: true}
}

func (kernelSUVariant) VersionCommand() string     { return "ksud --version" }
func (kernelSUVariant) VersionCodeCommand() string { return "ksud -V" }

func (kernelSUVariant) Env(version string, versionCode int) []string {
	return []string{
		"export ASH_STANDALONE=1",
		"export KSU=true",
		"export KSU_VER=" + quote(version),
		fmt.Sprintf("export KSU_VER_CODE=%d", versionCode),
	}
}

func (kernelSUVariant) ActionCommand(moduleDir string) string {
	return ksuBusybox + " sh " + quote(moduleDir+"/"+domain.ActionScript)
}

func (kernelSUVariant) InstallCommand(zipPath string) string {
	return "ksud module install " + quote(zipPath)
}

func (kernelSUVariant) SafeModeCommand() string { return safeModeCheck }
func (kernelSUVariant) LkmCommand() string      { return "grep -q '^kernelsu ' /proc/modules" }

// KernelSU Next behaves like KernelSU, with magic mount and its own marker variable.

type ksuNextVariant struct {
	kernelSUVariant
}

// NewKsuNextVariant returns the KernelSU Next provider variant.
func NewKsuNextVariant() Variant { return ksuNextVariant{} }

func (ksuNextVariant) Platform() domain.Platform { return domain.PlatformKsuNext }
func (ksuNextVariant) Name() string              { return "KernelSU Next" }

func (ksuNextVariant) Compatibility() domain.ModuleCompatibility {
	return domain.ModuleCompatibility{HasMagicMount: true, CanRestoreModules: true}
}

func (v ksuNextVariant) Env(version string, versionCode int) []string {
	return append(v.kernelSUVariant.Env(version, versionCode), "export KSU_NEXT=true")
}

// APatch

const apBusybox = "/data/adb/ap/bin/busybox"

type apatchVariant struct{}

// NewAPatchVariant returns the APatch provider variant.
func NewAPatchVariant() Variant { return apatchVariant{} }

func (apatchVariant) Platform() domain.Platform { return domain.PlatformAPatch }
func (apatchVariant) Name() string              { return "APatch" }

func (apatchVariant) Compatibility() domain.ModuleCompatibility {
	return domain.ModuleCompatibility{HasMagicMount: false, CanRestoreModules: true}
}

func (apatchVariant) VersionCommand() string     { return "apd -V" }
func (apatchVariant) VersionCodeCommand() string { return "apd -V" }

func (apatchVariant) Env(version string, versionCode int) []string {
	return []string{
		"export ASH_STANDALONE=1",
		"export APATCH=true",
		"export APATCH_VER=" + quote(version),
		fmt.Sprintf("export APATCH_VER_CODE=%d", versionCode),
	}
}

func (apatchVariant) ActionCommand(moduleDir string) string {
	return apBusybox + " sh " + quote(moduleDir+"/"+domain.ActionScript)
}

func (apatchVariant) InstallCommand(zipPath string) string {
	return "apd module install " + quote(zipPath)
}

func (apatchVariant) SafeModeCommand() string { return safeModeCheck }
func (apatchVariant) LkmCommand() string      { return "" }
