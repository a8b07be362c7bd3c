package webui

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// SystemPropertiesClass is the class name modules list to get the sysprops bridge.
const SystemPropertiesClass = "rootmm.plugin.SystemProperties"

var propNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

type propArgs struct {
	Name     string `json:"name"`
	Fallback string `json:"fallback,omitempty"`
}

func systemPropertiesPlugin() PluginDescriptor {
	return PluginDescriptor{
		Class:        SystemPropertiesClass,
		InstanceName: "sysprops",
		Fields:       []string{FieldRootShell},
		Factories: PluginFactories{
			Context: func(ctx PluginContext) (Bridge, error) {
				return newSystemPropertiesBridge(ctx.Root), nil
			},
		},
	}
}

func newSystemPropertiesBridge(root domain.KsuService) Bridge {
	return NewMethodBridge("sysprops", map[string]Method{
		"get": Bind(func(_ context.Context, a propArgs) (any, error) {
			if !propNamePattern.MatchString(a.Name) {
				return nil, &ArgsError{Err: errors.New("invalid property name")}
			}
			res, err := root.Exec("getprop "+a.Name, domain.ExecOptions{})
			if err != nil {
				return nil, err
			}
			v := strings.TrimSpace(strings.Join(res.Out, "\n"))
			if !res.Success || v == "" {
				return a.Fallback, nil
			}
			return v, nil
		}),
	})
}
