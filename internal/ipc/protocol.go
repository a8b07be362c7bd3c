// Package ipc exposes the privileged service over HTTP/JSON on a unix socket.
// Server wraps an in-process domain.ServiceManager; Client implements the same
// interface on the other side of the socket.
package ipc

import (
	"errors"
	"fmt"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/infra"
)

// APIPrefix is the path prefix of every route.
const APIPrefix = "/v1"

// Error kinds carried in ErrorResponse.
const (
	kindNotFound     = "not_found"
	kindJobNotFound  = "job_not_found"
	kindUnsupported  = "unsupported_platform"
	kindNotSupported = "not_supported"
	kindInvalid      = "invalid"
	kindInternal     = "internal"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Signal string `json:"signal,omitempty"`
	Help   string `json:"help,omitempty"`
}

// ServiceResponse answers GET /service.
type ServiceResponse struct {
	domain.ServiceInfo
	Failure *ErrorResponse `json:"failure,omitempty"`
}

// OpResponse answers a module mutation after its callback fired.
type OpResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// JobResponse answers requests that start a job.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// InstallRequest is the body of POST /install.
type InstallRequest struct {
	Path string `json:"path"`
}

// WriteRequest is the body of POST /fs/write.
type WriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PathRequest is the body of POST /fs/touch and /fs/delete.
type PathRequest struct {
	Path string `json:"path"`
}

// ExecRequest is the body of POST /ksu/exec.
type ExecRequest struct {
	Command string             `json:"command"`
	Options domain.ExecOptions `json:"options"`
}

// SpawnRequest is the body of POST /ksu/spawn.
type SpawnRequest struct {
	Command string             `json:"command"`
	Args    []string           `json:"args"`
	Options domain.ExecOptions `json:"options"`
}

// ModuleEvent is pushed on the /modules/events stream.
// State is empty when the module directory is gone.
type ModuleEvent struct {
	infra.ModuleEvent
	State domain.State `json:"state,omitempty"`
}

// errorResponse classifies err for the wire.
func errorResponse(err error) (int, ErrorResponse) {
	var unsupported *domain.UnsupportedPlatformError
	switch {
	case errors.As(err, &unsupported):
		return 409, ErrorResponse{Error: err.Error(), Kind: kindUnsupported, Signal: unsupported.Signal, Help: unsupported.Help}
	case errors.Is(err, domain.ErrModuleNotFound):
		return 404, ErrorResponse{Error: err.Error(), Kind: kindNotFound}
	case errors.Is(err, domain.ErrJobNotFound):
		return 404, ErrorResponse{Error: err.Error(), Kind: kindJobNotFound}
	case errors.Is(err, domain.ErrNotSupported):
		return 501, ErrorResponse{Error: err.Error(), Kind: kindNotSupported}
	}
	return 500, ErrorResponse{Error: err.Error(), Kind: kindInternal}
}

// asError restores the sentinel or typed error described by resp.
func (resp ErrorResponse) asError() error {
	switch resp.Kind {
	case kindUnsupported:
		return &domain.UnsupportedPlatformError{Signal: resp.Signal, Help: resp.Help}
	case kindNotFound:
		return fmt.Errorf("%w: %s", domain.ErrModuleNotFound, resp.Error)
	case kindJobNotFound:
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, resp.Error)
	case kindNotSupported:
		return fmt.Errorf("%w: %s", domain.ErrNotSupported, resp.Error)
	}
	return fmt.Errorf("service: %s", resp.Error)
}

// ExistsResponse answers GET /fs/exists.
type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// TextResponse answers GET /fs/text.
type TextResponse struct {
	Content string `json:"content"`
}

// ListResponse answers GET /fs/list.
type ListResponse struct {
	Entries []string `json:"entries"`
}

// SizeResponse answers GET /fs/size.
type SizeResponse struct {
	Size int64 `json:"size"`
}

// ModTimeResponse answers GET /fs/mtime.
type ModTimeResponse struct {
	ModTime int64 `json:"mtime"`
}
