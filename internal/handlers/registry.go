// Package handlers executes queued operations against the remote backend.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"offlinequeue/internal/models"
)

var ErrUnknownKind = errors.New("handlers: unknown operation kind")

// Handlers performs the remote mutation for each operation kind.
type Handlers interface {
	CreateUpdate(ctx context.Context, p models.CreateUpdatePayload) error
	CreateComment(ctx context.Context, p models.CreateCommentPayload) error
	ToggleReaction(ctx context.Context, p models.ToggleReactionPayload) error
}

type opIDKey struct{}

// WithOperationID attaches the id of the operation being executed.
func WithOperationID(ctx context.Context, id models.OperationID) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

// OperationIDFromContext returns the id set by WithOperationID.
func OperationIDFromContext(ctx context.Context) (models.OperationID, bool) {
	id, ok := ctx.Value(opIDKey{}).(models.OperationID)
	return id, ok && id != ""
}

// Registry dispatches operations to a Handlers set resolved on first use.
type Registry struct {
	resolve func() (Handlers, error)

	mu       sync.Mutex
	resolved Handlers
}

// NewRegistry defers building the handler set until the first dispatch.
// A failed resolve is retried on the next dispatch.
func NewRegistry(resolve func() (Handlers, error)) *Registry {
	return &Registry{resolve: resolve}
}

// Static wraps an already built handler set.
func Static(h Handlers) *Registry {
	return &Registry{resolved: h}
}

func (r *Registry) handlers() (Handlers, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved != nil {
		return r.resolved, nil
	}
	if r.resolve == nil {
		return nil, errors.New("handlers: no resolver configured")
	}
	h, err := r.resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve handlers: %w", err)
	}
	r.resolved = h
	return h, nil
}

// Dispatch decodes the payload for op.Kind and runs the matching handler.
func (r *Registry) Dispatch(ctx context.Context, op models.QueuedOperation) error {
	h, err := r.handlers()
	if err != nil {
		return err
	}
	ctx = WithOperationID(ctx, op.ID)

	switch op.Kind {
	case models.KindCreateUpdate:
		var p models.CreateUpdatePayload
		if err := decode(op, &p); err != nil {
			return err
		}
		return h.CreateUpdate(ctx, p)
	case models.KindCreateComment:
		var p models.CreateCommentPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		return h.CreateComment(ctx, p)
	case models.KindToggleReaction:
		var p models.ToggleReactionPayload
		if err := decode(op, &p); err != nil {
			return err
		}
		return h.ToggleReaction(ctx, p)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
}

func decode(op models.QueuedOperation, v any) error {
	if len(op.Data) == 0 {
		return fmt.Errorf("decode %s payload: empty", op.Kind)
	}
	if err := json.Unmarshal(op.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", op.Kind, err)
	}
	return nil
}

// Funcs adapts plain functions to Handlers. A nil field fails the call.
type Funcs struct {
	CreateUpdateFunc   func(ctx context.Context, p models.CreateUpdatePayload) error
	CreateCommentFunc  func(ctx context.Context, p models.CreateCommentPayload) error
	ToggleReactionFunc func(ctx context.Context, p models.ToggleReactionPayload) error
}

func (f Funcs) CreateUpdate(ctx context.Context, p models.CreateUpdatePayload) error {
	if f.CreateUpdateFunc == nil {
		return fmt.Errorf("%w: %s has no handler", ErrUnknownKind, models.KindCreateUpdate)
	}
	return f.CreateUpdateFunc(ctx, p)
}

func (f Funcs) CreateComment(ctx context.Context, p models.CreateCommentPayload) error {
	if f.CreateCommentFunc == nil {
		return fmt.Errorf("%w: %s has no handler", ErrUnknownKind, models.KindCreateComment)
	}
	return f.CreateCommentFunc(ctx, p)
}

func (f Funcs) ToggleReaction(ctx context.Context, p models.ToggleReactionPayload) error {
	if f.ToggleReactionFunc == nil {
		return fmt.Errorf("%w: %s has no handler", ErrUnknownKind, models.KindToggleReaction)
	}
	return f.ToggleReactionFunc(ctx, p)
}
