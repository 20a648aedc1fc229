package mcp

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CallInfo identifies one user procedure invocation for hook consumers.
type CallInfo struct {
	Kind      string // "tool", "prompt" or "resource"
	Name      string
	SessionID string
	Transport TransportKind
}

// Hooks observe user procedure calls. Protocol methods (initialize, the
// list endpoints, subscribe bookkeeping) never trigger hooks.
//
// OnInvoking runs before the handler and is awaited; a non-nil error
// vetoes the call, surfacing to the client as an internal error carrying
// the hook's message. OnCompleted and OnFailed run asynchronously and
// cannot affect the response.
type Hooks interface {
	OnInvoking(ctx context.Context, call CallInfo) error
	OnCompleted(call CallInfo, result interface{}, took time.Duration)
	OnFailed(call CallInfo, err error, took time.Duration)
}

// hookRunner fans one invocation out to the registered hooks, isolating
// the dispatcher from hook panics.
type hookRunner struct {
	hooks  []Hooks
	logger *zap.Logger
}

func newHookRunner(hooks []Hooks, logger *zap.Logger) *hookRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &hookRunner{hooks: hooks, logger: logger}
}

// invoking runs every OnInvoking hook in registration order. The first
// error vetoes the call. A panicking hook is logged and skipped; a panic
// is not a veto.
func (h *hookRunner) invoking(ctx context.Context, call CallInfo) error {
	for _, hook := range h.hooks {
		if err := h.invokeOne(ctx, hook, call); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookRunner) invokeOne(ctx context.Context, hook Hooks, call CallInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hook panic in OnInvoking",
				zap.String("name", call.Name), zap.Any("panic", r))
			err = nil
		}
	}()
	return hook.OnInvoking(ctx, call)
}

// completed notifies the hooks off the request path.
func (h *hookRunner) completed(call CallInfo, result interface{}, took time.Duration) {
	for _, hook := range h.hooks {
		go func(hook Hooks) {
			defer h.recoverHook("OnCompleted", call)
			hook.OnCompleted(call, result, took)
		}(hook)
	}
}

// failed notifies the hooks off the request path.
func (h *hookRunner) failed(call CallInfo, err error, took time.Duration) {
	for _, hook := range h.hooks {
		go func(hook Hooks) {
			defer h.recoverHook("OnFailed", call)
			hook.OnFailed(call, err, took)
		}(hook)
	}
}

func (h *hookRunner) recoverHook(phase string, call CallInfo) {
	if r := recover(); r != nil {
		h.logger.Error("hook panic",
			zap.String("phase", phase),
			zap.String("name", call.Name),
			zap.Any("panic", r))
	}
}
