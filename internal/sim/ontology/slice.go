package ontology

import "sort"

// Slice is the fixed set of prefixes one agent may read and write.
type Slice struct {
	schema  *Schema
	allowed map[string]struct{}
	sorted  []string
}

// NewSlice builds a slice over schema (Default() when nil). Duplicate
// prefixes collapse; prefixes unknown to the schema are kept, but nothing
// under them ever validates.
func NewSlice(schema *Schema, prefixes ...string) *Slice {
	if schema == nil {
		schema = Default()
	}
	s := &Slice{schema: schema, allowed: make(map[string]struct{}, len(prefixes))}
	for _, p := range prefixes {
		if _, dup := s.allowed[p]; dup {
			continue
		}
		s.allowed[p] = struct{}{}
		s.sorted = append(s.sorted, p)
	}
	sort.Strings(s.sorted)
	return s
}

func (s *Slice) Schema() *Schema { return s.schema }

// Prefixes returns the allowed prefixes, sorted.
func (s *Slice) Prefixes() []string { return append([]string(nil), s.sorted...) }

func (s *Slice) Allows(prefix string) bool {
	_, ok := s.allowed[prefix]
	return ok
}

func (s *Slice) IsInScope(key string) bool { return s.Allows(PrefixOf(key)) }

// Validates is IsInScope plus schema validity of key and value.
func (s *Slice) Validates(key, value string) bool {
	return s.IsInScope(key) && s.schema.IsValidKey(key) && s.schema.IsValidValue(key, value)
}

// SubsetOf reports whether every prefix of s is also allowed by other.
func (s *Slice) SubsetOf(other *Slice) bool {
	for p := range s.allowed {
		if !other.Allows(p) {
			return false
		}
	}
	return true
}
