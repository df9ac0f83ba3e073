package execution

import (
	"fmt"
	"sync"
)

// executionStore is the shared execution table. Admission (per-actor
// concurrency check plus registration) happens atomically under its lock.
type executionStore struct {
	mu         sync.RWMutex
	executions map[string]*execution
}

func newExecutionStore() *executionStore {
	return &executionStore{executions: make(map[string]*execution)}
}

// admit registers exec unless the owner already has limit or more
// non-terminal executions. A limit of zero or less means unlimited.
func (s *executionStore) admit(exec *execution, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit > 0 {
		active := 0
		for _, e := range s.executions {
			if e.owner != exec.owner {
				continue
			}
			e.mu.Lock()
			terminal := e.status.Terminal()
			e.mu.Unlock()
			if !terminal {
				active++
			}
		}
		if active >= limit {
			return fmt.Errorf("%w: %d active executions (limit %d)", ErrConcurrencyLimit, active, limit)
		}
	}

	s.executions[exec.id] = exec
	return nil
}

func (s *executionStore) get(id string) (*execution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	return e, ok
}

func (s *executionStore) all() []*execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*execution, 0, len(s.executions))
	for _, e := range s.executions {
		result = append(result, e)
	}
	return result
}

func (s *executionStore) remove(id string) {
	s.mu.Lock()
	delete(s.executions, id)
	s.mu.Unlock()
}

func (s *executionStore) reset() {
	s.mu.Lock()
	s.executions = make(map[string]*execution)
	s.mu.Unlock()
}
