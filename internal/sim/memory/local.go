package memory

import (
	"sync"

	"sarswarm.ai/internal/audit"
	"sarswarm.ai/internal/sim/ontology"
)

// Context describes where an update came from. A nil *Context means the
// update carries no tick and is not audited.
type Context struct {
	Tick   int
	Event  audit.Event // defaults to memory_update
	Origin string      // sender, for delivered messages
}

func AtTick(tick int) *Context { return &Context{Tick: tick} }

type Update struct {
	Key     string
	Value   string
	Context Context
}

// LocalStore is one agent's validated view. Only its owner authors writes;
// concurrent deliveries from peers are serialised by mu.
type LocalStore struct {
	owner string
	slice *ontology.Slice
	sink  audit.Sink

	mu      sync.RWMutex
	state   map[string]string
	history []Update
}

func NewLocalStore(owner string, slice *ontology.Slice, sink audit.Sink) *LocalStore {
	return &LocalStore{
		owner: owner,
		slice: slice,
		sink:  sink,
		state: map[string]string{},
	}
}

func (s *LocalStore) Owner() string          { return s.owner }
func (s *LocalStore) Slice() *ontology.Slice { return s.slice }

// Attempt validates key=value against the owner's slice and applies it when
// valid. Rejection is a normal outcome, not an error. An audit record is
// enqueued whenever ctx is non-nil, whatever the outcome.
func (s *LocalStore) Attempt(key, value string, ctx *Context) bool {
	inScope := s.slice.IsInScope(key)
	valid := s.slice.Validates(key, value)

	if valid {
		var c Context
		if ctx != nil {
			c = *ctx
		}
		s.mu.Lock()
		s.state[key] = value
		s.history = append(s.history, Update{Key: key, Value: value, Context: c})
		s.mu.Unlock()
	}

	if s.sink != nil && ctx != nil {
		ev := ctx.Event
		if ev == "" {
			ev = audit.EventMemoryUpdate
		}
		s.sink.Enqueue(audit.Record{
			Tick:      ctx.Tick,
			Agent:     s.owner,
			Event:     ev,
			Key:       key,
			Value:     value,
			Validated: audit.ValidatedOf(valid),
			InScope:   inScope,
			Origin:    ctx.Origin,
		})
	}
	return valid
}

func (s *LocalStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	return v, ok
}

// AllState returns a point-in-time copy.
func (s *LocalStore) AllState() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

func (s *LocalStore) History() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Update(nil), s.history...)
}

// HistoryFor returns accepted updates of one key, oldest first.
func (s *LocalStore) HistoryFor(key string) []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Update
	for _, u := range s.history {
		if u.Key == key {
			out = append(out, u)
		}
	}
	return out
}

func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state)
}
