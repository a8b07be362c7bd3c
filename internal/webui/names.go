// Package webui hosts module web front-ends and the native bridges attached to them.
package webui

import (
	"errors"
	"regexp"
	"strings"
)

// Fixed bridge names.
const (
	VersionBridgeName = "mmrl"
	RootBridgeName    = "ksu"
)

var (
	// ErrBridgeNotFound is returned when a page calls a bridge that is not attached.
	ErrBridgeNotFound = errors.New("bridge not attached")

	// ErrMethodNotFound is returned when a bridge has no such method.
	ErrMethodNotFound = errors.New("bridge method not found")

	// ErrPathOutsideRoot is returned for asset paths escaping the web root.
	ErrPathOutsideRoot = errors.New("path outside web root")
)

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9._]`)

// SanitizeID replaces every character outside [A-Za-z0-9._] with '_'.
func SanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// ModuleBridgeName is "$" followed by the sanitized id.
func ModuleBridgeName(id string) string {
	return "$" + SanitizeID(id)
}

// FileBridgeName is "$", the upper-cased first and the second character of the
// sanitized id, then "File". Short ids use what they have.
func FileBridgeName(id string) string {
	s := SanitizeID(id)
	var prefix string
	switch {
	case len(s) >= 2:
		prefix = strings.ToUpper(s[:1]) + s[1:2]
	case len(s) == 1:
		prefix = strings.ToUpper(s)
	}
	return "$" + prefix + "File"
}
