package webui

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// GateState is the consent state of one permission for one module.
type GateState string

const (
	GateNotRequested      GateState = "not_requested"
	GateDeniedThisSession GateState = "denied"
	GateGranted           GateState = "granted"
)

// Prompter asks the user for consent.
type Prompter interface {
	Confirm(moduleID string, p domain.Permission) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(moduleID string, p domain.Permission) (bool, error)

func (f PrompterFunc) Confirm(moduleID string, p domain.Permission) (bool, error) {
	return f(moduleID, p)
}

// DenyAll never grants anything. Used when there is nobody to ask.
var DenyAll = PrompterFunc(func(string, domain.Permission) (bool, error) { return false, nil })

type gateKey struct {
	module string
	perm   domain.Permission
}

// Gates tracks consent per module per permission. Grants live in the store;
// denials only last as long as the Gates value.
type Gates struct {
	store    domain.PermissionStore
	prompter Prompter
	logger   *zap.Logger

	mu     sync.Mutex
	denied map[gateKey]bool
	// prompts serializes Request per key so the prompt runs without mu held.
	prompts map[gateKey]*sync.Mutex
}

// NewGates creates gates backed by store.
func NewGates(store domain.PermissionStore, prompter Prompter, logger *zap.Logger) *Gates {
	if prompter == nil {
		prompter = DenyAll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gates{
		store:    store,
		prompter: prompter,
		logger:   logger,
		denied:   make(map[gateKey]bool),
		prompts:  make(map[gateKey]*sync.Mutex),
	}
}

// Granted reads the allow-list. Nothing is cached.
func (g *Gates) Granted(moduleID string, p domain.Permission) bool {
	ok, err := g.store.IsGranted(moduleID, p)
	if err != nil {
		g.logger.Warn("permission lookup failed",
			zap.String("module", moduleID),
			zap.String("permission", string(p)),
			zap.Error(err))
		return false
	}
	return ok
}

// State returns the current gate state.
func (g *Gates) State(moduleID string, p domain.Permission) GateState {
	if g.Granted(moduleID, p) {
		return GateGranted
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.denied[gateKey{moduleID, p}] {
		return GateDeniedThisSession
	}
	return GateNotRequested
}

// Request asks for consent unless the gate already decided. The prompt is
// shown at most once per module and permission; a refusal holds until the
// Gates value is discarded.
func (g *Gates) Request(moduleID string, p domain.Permission) (GateState, error) {
	key := gateKey{moduleID, p}

	// A second Request for the same key waits here and then sees the outcome.
	prompt := g.promptLock(key)
	prompt.Lock()
	defer prompt.Unlock()

	if g.Granted(moduleID, p) {
		return GateGranted, nil
	}
	if g.isDenied(key) {
		return GateDeniedThisSession, nil
	}

	ok, err := g.prompter.Confirm(moduleID, p)
	if err != nil || !ok {
		g.mu.Lock()
		g.denied[key] = true
		g.mu.Unlock()
		g.logger.Info("permission denied for session",
			zap.String("module", moduleID),
			zap.String("permission", string(p)),
			zap.Error(err))
		return GateDeniedThisSession, nil
	}

	if err := g.store.Grant(moduleID, p); err != nil {
		return GateNotRequested, fmt.Errorf("failed to persist grant: %w", err)
	}
	g.logger.Info("permission granted",
		zap.String("module", moduleID),
		zap.String("permission", string(p)))
	return GateGranted, nil
}

func (g *Gates) promptLock(key gateKey) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.prompts[key]
	if !ok {
		l = &sync.Mutex{}
		g.prompts[key] = l
	}
	return l
}

func (g *Gates) isDenied(key gateKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.denied[key]
}

// ParsePermission maps a route or config name to a Permission.
func ParsePermission(name string) (domain.Permission, error) {
	switch domain.Permission(name) {
	case domain.PermissionFileSystem, domain.PermissionAdvancedRoot:
		return domain.Permission(name), nil
	}
	return "", fmt.Errorf("unknown permission %q", name)
}
