package ontology

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"sarswarm.ai/internal/sim/docschema"
)

//go:embed ontology.schema.json
var documentSchema []byte

// GrammarSpec is the on-disk form of one grammar; exactly one field is set.
type GrammarSpec struct {
	Literal string `yaml:"literal,omitempty" json:"literal,omitempty"`
	Prefix  string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// Document is the on-disk ontology file.
type Document struct {
	Prefixes map[string][]GrammarSpec `yaml:"prefixes" json:"prefixes"`
}

// Load reads and compiles a YAML ontology file. Any failure here is fatal to
// the caller: a run cannot start without its schema.
func Load(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ontology.yaml: %w", err)
	}
	return s, nil
}

func Parse(raw []byte) (*Schema, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	vs, err := docschema.Compile("ontology.schema.json", documentSchema)
	if err != nil {
		return nil, err
	}
	if err := docschema.Validate(vs, generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return FromDocument(doc)
}

func FromDocument(doc Document) (*Schema, error) {
	grammars := make(map[string][]Grammar, len(doc.Prefixes))
	for prefix, specs := range doc.Prefixes {
		for _, gs := range specs {
			switch {
			case gs.Literal != "":
				grammars[prefix] = append(grammars[prefix], Literal(gs.Literal))
			case gs.Prefix != "":
				grammars[prefix] = append(grammars[prefix], PrefixToken(gs.Prefix))
			case gs.Pattern != "":
				g, err := Pattern(gs.Pattern)
				if err != nil {
					return nil, fmt.Errorf("prefix %q: %w", prefix, err)
				}
				grammars[prefix] = append(grammars[prefix], g)
			default:
				return nil, fmt.Errorf("%w: prefix %q: empty grammar", ErrInvalidSchema, prefix)
			}
		}
	}
	return NewSchema(grammars)
}

// ToDocument renders s back into its file form.
func (s *Schema) ToDocument() Document {
	doc := Document{Prefixes: make(map[string][]GrammarSpec, len(s.grammars))}
	for _, prefix := range s.prefixes {
		for _, g := range s.grammars[prefix] {
			var gs GrammarSpec
			switch g.Kind {
			case GrammarLiteral:
				gs.Literal = g.Value
			case GrammarPrefix:
				gs.Prefix = g.Value
			case GrammarPattern:
				gs.Pattern = g.Value
			}
			doc.Prefixes[prefix] = append(doc.Prefixes[prefix], gs)
		}
	}
	return doc
}

// AccessMap renders agent -> sorted prefixes, the form the validator consumes.
func AccessMap(slices map[string]*Slice) map[string][]string {
	out := make(map[string][]string, len(slices))
	ids := make([]string, 0, len(slices))
	for id := range slices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out[id] = slices[id].Prefixes()
	}
	return out
}
