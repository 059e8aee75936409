package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

type flowRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.FlowDefinition
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{byName: make(map[string]api.FlowDefinition)}
}

func (r *flowRegistry) Register(def api.FlowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.FlowName]; exists {
		return fmt.Errorf("flow %q already registered", def.FlowName)
	}
	r.byName[def.FlowName] = def
	return nil
}

func (r *flowRegistry) Get(name string) (api.FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return api.FlowDefinition{}, fmt.Errorf("unknown flow: %s", name)
	}
	return def, nil
}
