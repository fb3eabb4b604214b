package ontology

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixOf(t *testing.T) {
	assert.Equal(t, "Survivor", PrefixOf("Survivor@Z3_7"))
	assert.Equal(t, "Z3_7", ScopeOf("Survivor@Z3_7"))
	assert.Equal(t, "Bare", PrefixOf("Bare"))
	assert.Equal(t, "", ScopeOf("Bare"))
	assert.Equal(t, "Bid", PrefixOf("Bid@Z1_1@extra"))
}

func TestDefaultSchema_Values(t *testing.T) {
	s := Default()
	cases := []struct {
		key, value string
		want       bool
	}{
		{"Survivor@Z0_0", "detected", true},
		{"Survivor@Z0_0", "none", true},
		{"Survivor@Z0_0", "maybe", false},
		{"Survivor@Z0_0", "detectedx", false},
		{"Rescue@Z0_0", "by_rescue1", true},
		{"Rescue@Z0_0", "by_", false},
		{"Rescue@Z0_0", "rescue1", false},
		{"Relay@Z0_0", "active", true},
		{"Relay@Z0_0", "inactive", false},
		{"ZoneStatus@Z0_0", "searched", true},
		{"ZoneStatus@Z0_0", "unsearched", true},
		{"Bid@Z0_0", "rescue1:-3.00", true},
		{"Bid@Z0_0", "rescue1:4", true},
		{"Bid@Z0_0", "rescue1:", false},
		{"Bid@Z0_0", ":-3.00", false},
		{"ZoneCoord@Z3_7", "3,7", true},
		{"ZoneCoord@Z3_7", "3,7,1", false},
		{"AgentPos@search1", "0,0", true},
		{"AgentPos@search1", "-1,0", false},
		{"Forbidden@tick3", "bad_payload_1234", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.IsValidValue(tc.key, tc.value), "%s=%s", tc.key, tc.value)
	}
	assert.True(t, s.IsValidKey("Survivor@Z0_0"))
	assert.False(t, s.IsValidKey("Forbidden@Z0_0"))
}

func TestNewSchema_Rejects(t *testing.T) {
	_, err := NewSchema(nil)
	assert.True(t, errors.Is(err, ErrInvalidSchema))

	_, err = NewSchema(map[string][]Grammar{"A@B": {Literal("x")}})
	assert.True(t, errors.Is(err, ErrInvalidSchema))

	_, err = NewSchema(map[string][]Grammar{"A": nil})
	assert.True(t, errors.Is(err, ErrInvalidSchema))

	_, err = NewSchema(map[string][]Grammar{"A": {{Kind: GrammarPattern, Value: "x"}}})
	assert.True(t, errors.Is(err, ErrInvalidSchema))

	_, err = Pattern("(")
	assert.True(t, errors.Is(err, ErrInvalidSchema))
}

func TestSlice_ValidatesRequiresScopeAndSchema(t *testing.T) {
	sl := NewSlice(nil, PrefixSurvivor, PrefixZoneStatus, PrefixSurvivor, "Forbidden")
	assert.Equal(t, []string{"Forbidden", PrefixSurvivor, PrefixZoneStatus}, sl.Prefixes())

	assert.True(t, sl.IsInScope("Survivor@Z1_1"))
	assert.True(t, sl.Validates("Survivor@Z1_1", "detected"))
	assert.False(t, sl.Validates("Survivor@Z1_1", "bogus"))
	assert.False(t, sl.IsInScope("Relay@Z1_1"))
	assert.False(t, sl.Validates("Relay@Z1_1", "active"))

	// In scope but unknown to the schema: never validates.
	assert.True(t, sl.IsInScope("Forbidden@tick1"))
	assert.False(t, sl.Validates("Forbidden@tick1", "anything"))
}

func TestSlice_SubsetOf(t *testing.T) {
	small := NewSlice(nil, PrefixSurvivor)
	big := NewSlice(nil, PrefixSurvivor, PrefixRelay)
	assert.True(t, small.SubsetOf(big))
	assert.False(t, big.SubsetOf(small))
}

func TestLoad_RoundTripsDefault(t *testing.T) {
	s, err := Load(filepath.Join("..", "..", "..", "configs", "ontology.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Prefixes(), s.Prefixes())
	assert.Equal(t, Default().ToDocument(), s.ToDocument())
	assert.True(t, s.IsValidValue("Bid@Z1_1", "rescue2:-1.50"))
}

func TestParse_RejectsMalformedDocuments(t *testing.T) {
	bad := map[string]string{
		"no prefixes":   "other: 1\n",
		"two kinds":     "prefixes:\n  A:\n    - literal: x\n      prefix: y\n",
		"empty list":    "prefixes:\n  A: []\n",
		"at in prefix":  "prefixes:\n  'A@B':\n    - literal: x\n",
		"bad regex":     "prefixes:\n  A:\n    - pattern: '('\n",
		"not yaml":      "prefixes: [\n",
		"unknown field": "prefixes:\n  A:\n    - regex: x\n",
	}
	for name, raw := range bad {
		_, err := Parse([]byte(raw))
		assert.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrInvalidSchema), name)
	}
}

func TestLoad_MissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestAccessMap_SortedPrefixes(t *testing.T) {
	m := AccessMap(map[string]*Slice{
		"relay1":  NewSlice(nil, PrefixRelay, PrefixAgentPos, PrefixSurvivor),
		"search1": NewSlice(nil, PrefixZoneStatus, PrefixSurvivor),
	})
	assert.Equal(t, []string{PrefixAgentPos, PrefixRelay, PrefixSurvivor}, m["relay1"])
	assert.Equal(t, []string{PrefixSurvivor, PrefixZoneStatus}, m["search1"])
}
