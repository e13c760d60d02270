// Package tools is the closed registry of operations a plan may invoke.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
)

// ErrDuplicateOperation is returned when an operation name is registered twice.
var ErrDuplicateOperation = errors.New("operation already registered")

// Result is the outcome of one operation call.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure builds a failed result.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Operation is one callable capability.
type Operation interface {
	Name() string
	Execute(ctx context.Context, params map[string]any) Result
}

type funcOp struct {
	name string
	fn   func(ctx context.Context, params map[string]any) Result
}

func (f funcOp) Name() string { return f.name }

func (f funcOp) Execute(ctx context.Context, params map[string]any) Result {
	return f.fn(ctx, params)
}

// Func adapts a function into an Operation.
func Func(name string, fn func(ctx context.Context, params map[string]any) Result) Operation {
	return funcOp{name: name, fn: fn}
}

// Registry maps operation names to implementations.
type Registry struct {
	mu     sync.RWMutex
	ops    map[string]Operation
	logger *logging.Logger
}

// NewRegistry creates a registry holding ops.
func NewRegistry(ops ...Operation) (*Registry, error) {
	r := &Registry{
		ops:    make(map[string]Operation),
		logger: logging.New().WithComponent("tools"),
	}
	for _, op := range ops {
		if err := r.Register(op); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an operation.
func (r *Registry) Register(op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[op.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.Name())
	}
	r.ops[op.Name()] = op
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ops[name]
	return ok
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs an operation. Unknown names and panics become failed results.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (res Result) {
	r.mu.RLock()
	op, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return Failure("unsupported operation: %s", name)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("operation panicked", map[string]interface{}{
				"operation": name,
				"panic":     fmt.Sprint(p),
			})
			res = Failure("operation %s panicked: %v", name, p)
		}
	}()
	return op.Execute(ctx, params)
}

type sessionKey struct{}

// WithSessionID attaches the calling session to ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session attached to ctx, if any.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
