package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownType      = errors.New("unknown task type")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// Result is what a handler reports back on success.
type Result struct {
	Message  string
	Metadata map[string]any
}

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (Result, error) {
	return f(ctx, payload)
}

// PayloadValidator is implemented by handlers that can reject a payload at
// enqueue time instead of failing later in the processor.
type PayloadValidator interface {
	ValidatePayload(payload json.RawMessage) error
}

// Registry maps task type tags to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", taskType)
	}
	if _, ok := r.handlers[taskType]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// MustRegister is Register for wiring code where a failure is a programming error.
func (r *Registry) MustRegister(taskType string, h Handler) {
	if err := r.Register(taskType, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(taskType string) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks that taskType is registered and that its handler accepts payload.
func (r *Registry) Validate(taskType string, payload json.RawMessage) error {
	h, ok := r.handlers[taskType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, taskType)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	if v, ok := h.(PayloadValidator); ok {
		if err := v.ValidatePayload(payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}
