package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/okatz/hopper/internal/task"
)

// Handler processes one claimed task. A nil result with a nil error counts
// as success. Returning an error that wraps quota.ExceededError makes the
// runtime defer the task instead of failing it.
type Handler func(ctx context.Context, t *task.Task) (*task.Result, error)

// Registry maps task types to handlers. It is built explicitly and handed
// to each runtime, so wiring stays visible at the call site instead of
// hiding in a process-wide singleton.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("task type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for %q must not be nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler for %q already registered", taskType)
	}
	r.handlers[taskType] = h

	return nil
}

// Handler looks up the handler for a task type. Unknown types fail with the
// registered set in the message.
func (r *Registry) Handler(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %q (registered: %s)",
			taskType, strings.Join(r.typesLocked(), ", "))
	}

	return h, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.typesLocked()
}

func (r *Registry) typesLocked() []string {
	types := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	sort.Strings(types)

	return types
}
