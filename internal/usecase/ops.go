// Package usecase contains application business logic.
package usecase

import (
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// Op starts one module mutation. Its outcome arrives on cb.
type Op func(id string, cb domain.OpsCallback)

// ModuleOps is what a module in its current state can do.
// A nil Toggle or Change means the action is a no-op for that state.
type ModuleOps struct {
	IsOpsRunning bool
	Toggle       Op
	Change       Op
}

// OpsRunner wraps a ModuleManager so that at most one mutation per module id
// is in flight. A second mutation on a busy id fails with ErrOperationInFlight.
// Mutations on different ids run concurrently.
type OpsRunner struct {
	domain.ModuleManager
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewOpsRunner guards mm with per-id mutual exclusion.
func NewOpsRunner(mm domain.ModuleManager, logger *zap.Logger) *OpsRunner {
	return &OpsRunner{
		ModuleManager: mm,
		logger:        logger,
		inflight:      make(map[string]struct{}),
	}
}

// IsRunning reports whether a mutation on id is in flight.
func (r *OpsRunner) IsRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inflight[id]
	return busy
}

// Enable removes both markers of id.
func (r *OpsRunner) Enable(id string, cb domain.OpsCallback) {
	r.guard(id, cb, r.ModuleManager.Enable)
}

// Disable marks id disabled.
func (r *OpsRunner) Disable(id string, cb domain.OpsCallback) {
	r.guard(id, cb, r.ModuleManager.Disable)
}

// Remove marks id for removal.
func (r *OpsRunner) Remove(id string, cb domain.OpsCallback) {
	r.guard(id, cb, r.ModuleManager.Remove)
}

func (r *OpsRunner) guard(id string, cb domain.OpsCallback, op Op) {
	if cb == nil {
		cb = domain.OpsCallbackFuncs{}
	}

	r.mu.Lock()
	if _, busy := r.inflight[id]; busy {
		r.mu.Unlock()
		r.logger.Info("operation rejected, module busy", zap.String("module", id))
		go cb.OnFailure(id, domain.ErrOperationInFlight.Error())
		return
	}
	r.inflight[id] = struct{}{}
	r.mu.Unlock()

	// The slot is freed before cb runs so a callback may start the next operation.
	op(id, domain.OpsCallbackFuncs{
		Success: func(id string) {
			r.release(id)
			cb.OnSuccess(id)
		},
		Failure: func(id, msg string) {
			r.release(id)
			cb.OnFailure(id, msg)
		},
	})
}

func (r *OpsRunner) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// OpsFor builds the operations table for mod:
//
//	ENABLE:  toggle -> disable, change -> remove
//	DISABLE: toggle -> enable,  change -> remove
//	REMOVE:  toggle -> none,    change -> enable
//	UPDATE:  toggle -> none,    change -> none
func (r *OpsRunner) OpsFor(mod domain.Module) ModuleOps {
	ops := ModuleOps{IsOpsRunning: r.IsRunning(mod.ID)}
	switch mod.State {
	case domain.StateEnable:
		ops.Toggle = r.Disable
		ops.Change = r.Remove
	case domain.StateDisable:
		ops.Toggle = r.Enable
		ops.Change = r.Remove
	case domain.StateRemove:
		ops.Change = r.Enable
	}
	return ops
}

// Toggle reads the module's current state and applies its toggle transition.
// Returns false without calling cb when the transition is a no-op.
func (r *OpsRunner) Toggle(id string, cb domain.OpsCallback) (bool, error) {
	return r.apply(id, cb, func(ops ModuleOps) Op { return ops.Toggle })
}

// Change reads the module's current state and applies its change transition.
// Returns false without calling cb when the transition is a no-op.
func (r *OpsRunner) Change(id string, cb domain.OpsCallback) (bool, error) {
	return r.apply(id, cb, func(ops ModuleOps) Op { return ops.Change })
}

func (r *OpsRunner) apply(id string, cb domain.OpsCallback, pick func(ModuleOps) Op) (bool, error) {
	mod, err := r.ModuleManager.Module(id)
	if err != nil {
		return false, err
	}
	op := pick(r.OpsFor(*mod))
	if op == nil {
		r.logger.Debug("no-op transition", zap.String("module", id), zap.String("state", string(mod.State)))
		return false, nil
	}
	op(id, cb)
	return true, nil
}

// Ensure OpsRunner implements domain.ModuleManager.
var _ domain.ModuleManager = (*OpsRunner)(nil)
