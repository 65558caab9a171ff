package participant

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/txflow/internal/core/domain"
)

// Registry holds every participant known to the coordinator, keyed by id.
// Registration is rejected for duplicate ids so a transaction can never bind
// the same id to two different resource managers.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Participant
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[string]Participant)}
}

// Register adds a participant under its own id.
func (r *Registry) Register(p Participant) error {
	if p == nil {
		return errors.New("participant is nil")
	}
	id := p.ID()
	if id == "" {
		return errors.New("participant id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; ok {
		return fmt.Errorf("%w: participant %s", domain.ErrDuplicate, id)
	}
	r.members[id] = p
	return nil
}

// Get returns the participant registered under id.
func (r *Registry) Get(id string) (Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: participant %s", domain.ErrNotFound, id)
	}
	return p, nil
}

// Resolve maps ids to participants in the given order, failing on the first
// unknown id.
func (r *Registry) Resolve(ids ...string) ([]Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(ids))
	for _, id := range ids {
		p, ok := r.members[id]
		if !ok {
			return nil, fmt.Errorf("%w: participant %s", domain.ErrNotFound, id)
		}
		out = append(out, p)
	}
	return out, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
