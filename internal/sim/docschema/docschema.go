// Package docschema validates decoded config documents (YAML or TOML) against
// JSON Schemas shipped with the binary.
package docschema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func Compile(name string, src []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "mem://" + name
	if err := c.AddResource(url, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

// Validate checks doc against s. The document is first normalized through
// encoding/json because YAML and TOML decoders produce Go ints and typed maps
// that the validator does not accept.
func Validate(s *jsonschema.Schema, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		return err
	}
	return s.Validate(norm)
}
