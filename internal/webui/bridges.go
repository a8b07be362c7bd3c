package webui

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eliteGoblin/rootmm/internal/domain"
	"github.com/eliteGoblin/rootmm/internal/usecase"
)

// Root bridge variants.
const (
	RootVariantBase     = "base"
	RootVariantAdvanced = "advanced"
)

// bridgeEnv is what bridges of one attach are built from.
type bridgeEnv struct {
	moduleID   string
	appVersion string
	platform   domain.Platform
	manager    domain.ModuleManager // nil while no provider is available
	files      domain.FileManager
	ksu        domain.KsuService
	jobs       *usecase.JobTable
	session    *Session
}

func (e *bridgeEnv) providerAlive() bool {
	return e.manager != nil
}

func (e *bridgeEnv) module() (*domain.Module, error) {
	if e.ksu == nil {
		return nil, domain.ErrNotSupported
	}
	return e.ksu.ModuleInfo(e.moduleID)
}

func newVersionBridge(env *bridgeEnv) Bridge {
	return NewMethodBridge(VersionBridgeName, map[string]Method{
		"getVersion": Value(func() any { return env.appVersion }),
		"getRootPlatform": Value(func() any {
			return env.platform.String()
		}),
		"isProviderAlive": Value(func() any { return env.providerAlive() }),
		"getRootManagerName": Value(func() any {
			if env.manager == nil {
				return ""
			}
			return env.manager.ManagerName()
		}),
		"getRootVersionName": Value(func() any {
			if env.manager == nil {
				return ""
			}
			return env.manager.Version()
		}),
		"getRootVersionCode": Value(func() any {
			if env.manager == nil {
				return -1
			}
			return env.manager.VersionCode()
		}),
	})
}

func newModuleBridge(env *bridgeEnv, cfg ModuleConfig) Bridge {
	request := func(p domain.Permission) Method {
		return func(context.Context, json.RawMessage) (any, error) {
			state, err := env.session.RequestPermission(p)
			return string(state), err
		}
	}
	state := func(p domain.Permission) Method {
		return Value(func() any { return string(env.session.PermissionState(p)) })
	}

	return NewMethodBridge(ModuleBridgeName(env.moduleID), map[string]Method{
		"getId":     Value(func() any { return env.moduleID }),
		"getConfig": Value(func() any { return cfg }),
		"getModule": func(context.Context, json.RawMessage) (any, error) {
			return env.module()
		},
		"getAdvancedKernelSUAPIState": state(domain.PermissionAdvancedRoot),
		"getFileSystemAPIState":       state(domain.PermissionFileSystem),
		"requestAdvancedKernelSUAPI":  request(domain.PermissionAdvancedRoot),
		"requestFileSystemAPI": func(ctx context.Context, args json.RawMessage) (any, error) {
			if !cfg.HasFileSystem() {
				return nil, errors.New("filesystem permission is not declared in config.json")
			}
			return request(domain.PermissionFileSystem)(ctx, args)
		},
	})
}

type execArgs struct {
	Command string             `json:"command"`
	Options domain.ExecOptions `json:"options"`
}

type spawnArgs struct {
	Command string             `json:"command"`
	Args    []string           `json:"args"`
	Options domain.ExecOptions `json:"options"`
}

// newRootBridge builds the "ksu" bridge. Only the advanced variant reaches the root shell.
func newRootBridge(env *bridgeEnv, advanced bool) Bridge {
	variant := RootVariantBase
	if advanced {
		variant = RootVariantAdvanced
	}
	methods := map[string]Method{
		"variant": Value(func() any { return variant }),
		"moduleInfo": func(context.Context, json.RawMessage) (any, error) {
			return env.module()
		},
	}
	if advanced {
		methods["exec"] = Bind(func(_ context.Context, a execArgs) (any, error) {
			if a.Command == "" {
				return nil, &ArgsError{Err: errors.New("command is required")}
			}
			return env.ksu.Exec(a.Command, a.Options)
		})
		methods["spawn"] = Bind(func(_ context.Context, a spawnArgs) (any, error) {
			if a.Command == "" {
				return nil, &ArgsError{Err: errors.New("command is required")}
			}
			id, err := env.jobs.Start(func(cb domain.ShellCallback) (domain.Job, error) {
				return env.ksu.Spawn(context.Background(), a.Command, a.Args, a.Options, cb)
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"job_id": id}, nil
		})
	}
	return NewMethodBridge(RootBridgeName, methods)
}

type pathArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func requirePath(p string) error {
	if p == "" {
		return &ArgsError{Err: errors.New("path is required")}
	}
	return nil
}

func newFileBridge(env *bridgeEnv) Bridge {
	fm := env.files
	withPath := func(fn func(a pathArgs) (any, error)) Method {
		return Bind(func(_ context.Context, a pathArgs) (any, error) {
			if err := requirePath(a.Path); err != nil {
				return nil, err
			}
			return fn(a)
		})
	}
	return NewMethodBridge(FileBridgeName(env.moduleID), map[string]Method{
		"read": withPath(func(a pathArgs) (any, error) { return fm.ReadText(a.Path) }),
		"readAsBase64": withPath(func(a pathArgs) (any, error) {
			data, err := fm.ReadBytes(a.Path)
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.EncodeToString(data), nil
		}),
		"exists": withPath(func(a pathArgs) (any, error) { return fm.Exists(a.Path), nil }),
		"list":   withPath(func(a pathArgs) (any, error) { return fm.List(a.Path, a.Recursive) }),
		"size":   withPath(func(a pathArgs) (any, error) { return fm.Size(a.Path) }),
		"delete": withPath(func(a pathArgs) (any, error) { return nil, fm.Delete(a.Path) }),
		"write": Bind(func(_ context.Context, a writeArgs) (any, error) {
			if err := requirePath(a.Path); err != nil {
				return nil, err
			}
			if err := fm.WriteText(a.Path, a.Content); err != nil {
				return nil, fmt.Errorf("write %s: %w", a.Path, err)
			}
			return nil, nil
		}),
	})
}
