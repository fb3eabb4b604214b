package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	got, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), got)
	assert.NoError(t, got.Validate())
}

func TestLoad_RepoConfigs(t *testing.T) {
	y, err := Load("../../../configs/run.yaml")
	require.NoError(t, err)
	assert.Equal(t, 60, y.Population.Total())
	assert.Equal(t, []int{12, 48}, y.BadUpdate.Ticks)
	require.Len(t, y.Failures, 1)
	assert.Equal(t, []string{"rescue2", "relay1"}, y.Failures[0].Agents)
	assert.True(t, y.Output.SQLite)
	assert.Equal(t, filepath.Join("../../../configs", "ontology.yaml"), y.Ontology)

	tm, err := Load("../../../configs/lossy.toml")
	require.NoError(t, err)
	assert.Equal(t, 0.6, tm.CommProb)
	assert.Equal(t, 0.25, tm.FanOut)
	assert.Equal(t, 8, tm.World.Width)
	assert.Equal(t, 25, tm.BadUpdate.Interval)
	// Unset sections keep their defaults.
	assert.Equal(t, TickRates{Search: 1, Rescue: 1, Relay: 1}, tm.TickRates)
	assert.Equal(t, "logs/lossy", tm.Output.Dir)
}

func TestLoad_PartialYAMLOverridesDefaults(t *testing.T) {
	p := writeFile(t, "run.yaml", "ticks: 3\npopulation:\n  search: 1\n  rescue: 1\n  relay: 1\n")
	got, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Ticks)
	assert.Equal(t, 3, got.Population.Total())
	assert.Equal(t, 10, got.World.Width)
	assert.Equal(t, 10, got.FlushTicks)
}

func TestLoad_ShapeErrors(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "tickz: 5\n",
		"wrong type":      "ticks: many\n",
		"probability":     "comm_prob: 1.5\n",
		"failure no tick": "failures:\n  - agents: [relay1]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "run.yaml", body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "run.yaml")
		})
	}
}

func TestLoad_SemanticErrorsWrapErrInvalid(t *testing.T) {
	p := writeFile(t, "run.toml", "[rescue]\nservice_min = 5\nservice_max = 2\n")
	_, err := Load(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "run.toml")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestValidate(t *testing.T) {
	base := Defaults()
	require.NoError(t, base.Validate())

	bad := base
	bad.Population = Population{}
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = base
	bad.World.Width = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = base
	bad.Failures = []Failure{{Tick: 0, Agents: []string{""}}}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure tick")
	assert.Contains(t, err.Error(), "agent id is empty")
}

func TestNormalize(t *testing.T) {
	tu := Tuning{
		FlushTicks: -1,
		BadUpdate:  BadUpdate{Interval: -3, Ticks: []int{9, 2}},
		Failures:   []Failure{{Tick: 8}, {Tick: 3}},
	}
	tu.Normalize()
	assert.Equal(t, TickRates{Search: 1, Rescue: 1, Relay: 1}, tu.TickRates)
	assert.Zero(t, tu.FlushTicks)
	assert.Zero(t, tu.BadUpdate.Interval)
	assert.Equal(t, []int{2, 9}, tu.BadUpdate.Ticks)
	assert.Equal(t, 3, tu.Failures[0].Tick)
	assert.Equal(t, "logs", tu.Output.Dir)
	assert.Equal(t, 262144, tu.Output.AuditQueue)

	var nilT *Tuning
	nilT.Normalize()
}

func TestBadUpdateDue(t *testing.T) {
	b := BadUpdate{Interval: 5, Ticks: []int{7}}
	assert.True(t, b.Due(5))
	assert.True(t, b.Due(10))
	assert.True(t, b.Due(7))
	assert.False(t, b.Due(6))
	assert.False(t, BadUpdate{}.Due(0))
}
