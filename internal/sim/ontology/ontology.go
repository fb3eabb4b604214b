package ontology

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidSchema wraps every failure to build or load a schema.
var ErrInvalidSchema = errors.New("invalid ontology schema")

const (
	PrefixSurvivor   = "Survivor"
	PrefixRescue     = "Rescue"
	PrefixRelay      = "Relay"
	PrefixZoneStatus = "ZoneStatus"
	PrefixBid        = "Bid"
	PrefixZoneCoord  = "ZoneCoord"
	PrefixAgentPos   = "AgentPos"
)

const (
	ValueDetected   = "detected"
	ValueNone       = "none"
	ValueActive     = "active"
	ValueSearched   = "searched"
	ValueUnsearched = "unsearched"

	RescuedByPrefix = "by_"
)

// Key builds a fact key "<prefix>@<scope>".
func Key(prefix, scope string) string { return prefix + "@" + scope }

// PrefixOf returns the schema category of key. A key without '@' is all prefix.
func PrefixOf(key string) string {
	p, _, _ := strings.Cut(key, "@")
	return p
}

// ScopeOf returns the part after the first '@', or "" if there is none.
func ScopeOf(key string) string {
	_, s, _ := strings.Cut(key, "@")
	return s
}

func RescuedBy(agentID string) string { return RescuedByPrefix + agentID }

type GrammarKind string

const (
	GrammarLiteral GrammarKind = "literal"
	GrammarPrefix  GrammarKind = "prefix"
	GrammarPattern GrammarKind = "pattern"
)

// Grammar is one accepted value shape for a prefix.
type Grammar struct {
	Kind  GrammarKind
	Value string

	re *regexp.Regexp
}

func Literal(v string) Grammar     { return Grammar{Kind: GrammarLiteral, Value: v} }
func PrefixToken(v string) Grammar { return Grammar{Kind: GrammarPrefix, Value: v} }

// Pattern compiles expr anchored at both ends.
func Pattern(expr string) (Grammar, error) {
	re, err := regexp.Compile(`^(?:` + expr + `)$`)
	if err != nil {
		return Grammar{}, fmt.Errorf("%w: pattern %q: %v", ErrInvalidSchema, expr, err)
	}
	return Grammar{Kind: GrammarPattern, Value: expr, re: re}, nil
}

func mustPattern(expr string) Grammar {
	g, err := Pattern(expr)
	if err != nil {
		panic(err)
	}
	return g
}

// Match reports whether value fully matches the grammar.
func (g Grammar) Match(value string) bool {
	switch g.Kind {
	case GrammarLiteral:
		return value == g.Value
	case GrammarPrefix:
		return len(value) > len(g.Value) && strings.HasPrefix(value, g.Value)
	case GrammarPattern:
		return g.re != nil && g.re.MatchString(value)
	}
	return false
}

// Schema maps each known prefix to its accepted value grammars. It is
// immutable once built and safe for concurrent use.
type Schema struct {
	grammars map[string][]Grammar
	prefixes []string
}

func NewSchema(grammars map[string][]Grammar) (*Schema, error) {
	if len(grammars) == 0 {
		return nil, fmt.Errorf("%w: no prefixes", ErrInvalidSchema)
	}
	s := &Schema{grammars: make(map[string][]Grammar, len(grammars))}
	for prefix, gs := range grammars {
		if prefix == "" || strings.Contains(prefix, "@") {
			return nil, fmt.Errorf("%w: bad prefix %q", ErrInvalidSchema, prefix)
		}
		if len(gs) == 0 {
			return nil, fmt.Errorf("%w: prefix %q has no grammars", ErrInvalidSchema, prefix)
		}
		for _, g := range gs {
			switch g.Kind {
			case GrammarLiteral, GrammarPrefix:
			case GrammarPattern:
				if g.re == nil {
					return nil, fmt.Errorf("%w: prefix %q: uncompiled pattern %q", ErrInvalidSchema, prefix, g.Value)
				}
			default:
				return nil, fmt.Errorf("%w: prefix %q: unknown grammar kind %q", ErrInvalidSchema, prefix, g.Kind)
			}
		}
		s.grammars[prefix] = append([]Grammar(nil), gs...)
		s.prefixes = append(s.prefixes, prefix)
	}
	sort.Strings(s.prefixes)
	return s, nil
}

var defaultSchema = func() *Schema {
	s, err := NewSchema(map[string][]Grammar{
		PrefixSurvivor:   {Literal(ValueDetected), Literal(ValueNone)},
		PrefixRescue:     {PrefixToken(RescuedByPrefix)},
		PrefixRelay:      {Literal(ValueActive)},
		PrefixZoneStatus: {Literal(ValueSearched), Literal(ValueUnsearched)},
		PrefixBid:        {mustPattern(`.+?:-?\d+(\.\d+)?`)},
		PrefixZoneCoord:  {mustPattern(`\d+,\d+`)},
		PrefixAgentPos:   {mustPattern(`\d+,\d+`)},
	})
	if err != nil {
		panic(err)
	}
	return s
}()

// Default returns the built-in search-and-rescue schema.
func Default() *Schema { return defaultSchema }

// Prefixes returns the known prefixes, sorted.
func (s *Schema) Prefixes() []string {
	return append([]string(nil), s.prefixes...)
}

func (s *Schema) Knows(prefix string) bool {
	_, ok := s.grammars[prefix]
	return ok
}

func (s *Schema) IsValidKey(key string) bool {
	return s.Knows(PrefixOf(key))
}

func (s *Schema) IsValidValue(key, value string) bool {
	for _, g := range s.grammars[PrefixOf(key)] {
		if g.Match(value) {
			return true
		}
	}
	return false
}
