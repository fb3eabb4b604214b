package tuning

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"sarswarm.ai/internal/sim/docschema"
)

// ErrInvalid wraps every semantic or shape error in a run configuration.
var ErrInvalid = errors.New("invalid tuning")

//go:embed tuning.schema.json
var documentSchema []byte

type Tuning struct {
	World      World      `yaml:"world" toml:"world" json:"world"`
	Population Population `yaml:"population" toml:"population" json:"population"`

	Ticks      int     `yaml:"ticks" toml:"ticks" json:"ticks"`
	FlushTicks int     `yaml:"flush_ticks" toml:"flush_ticks" json:"flush_ticks"`
	Seed       int64   `yaml:"seed" toml:"seed" json:"seed"`
	CommProb   float64 `yaml:"comm_prob" toml:"comm_prob" json:"comm_prob"`
	// FanOut is the fraction of rescue+relay agents that see each shared
	// prefix. 1.0 selects fixed per-role slices.
	FanOut float64 `yaml:"fan_out" toml:"fan_out" json:"fan_out"`

	TickRates TickRates `yaml:"tick_rates" toml:"tick_rates" json:"tick_rates"`
	Rescue    Rescue    `yaml:"rescue" toml:"rescue" json:"rescue"`
	BadUpdate BadUpdate `yaml:"bad_update" toml:"bad_update" json:"bad_update"`
	Failures  []Failure `yaml:"failures" toml:"failures" json:"failures"`

	// Ontology is a schema file path; empty selects the built-in schema.
	Ontology string `yaml:"ontology" toml:"ontology" json:"ontology"`

	Analysis Analysis `yaml:"analysis" toml:"analysis" json:"analysis"`
	Output   Output   `yaml:"output" toml:"output" json:"output"`
}

type World struct {
	Width  int `yaml:"width" toml:"width" json:"width"`
	Height int `yaml:"height" toml:"height" json:"height"`
}

type Population struct {
	Search int `yaml:"search" toml:"search" json:"search"`
	Rescue int `yaml:"rescue" toml:"rescue" json:"rescue"`
	Relay  int `yaml:"relay" toml:"relay" json:"relay"`
}

func (p Population) Total() int { return p.Search + p.Rescue + p.Relay }

type TickRates struct {
	Search int `yaml:"search" toml:"search" json:"search"`
	Rescue int `yaml:"rescue" toml:"rescue" json:"rescue"`
	Relay  int `yaml:"relay" toml:"relay" json:"relay"`
}

// Rescue bounds the service duration, both ends inclusive.
type Rescue struct {
	ServiceMin int `yaml:"service_min" toml:"service_min" json:"service_min"`
	ServiceMax int `yaml:"service_max" toml:"service_max" json:"service_max"`
}

type BadUpdate struct {
	Interval int   `yaml:"interval" toml:"interval" json:"interval"`
	Ticks    []int `yaml:"ticks" toml:"ticks" json:"ticks"`
}

// Due reports whether a bad update is injected at tick.
func (b BadUpdate) Due(tick int) bool {
	if b.Interval > 0 && tick%b.Interval == 0 {
		return true
	}
	for _, t := range b.Ticks {
		if t == tick {
			return true
		}
	}
	return false
}

// Failure disables Agents from Tick onwards.
type Failure struct {
	Tick   int      `yaml:"tick" toml:"tick" json:"tick"`
	Agents []string `yaml:"agents" toml:"agents" json:"agents"`
}

type Analysis struct {
	MaxDelay int `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	// Horizon limits the bisimulation check to local ticks below it; 0 checks
	// every tick.
	Horizon   int     `yaml:"horizon" toml:"horizon" json:"horizon"`
	Tolerance float64 `yaml:"tolerance" toml:"tolerance" json:"tolerance"`
}

type Output struct {
	Dir          string `yaml:"dir" toml:"dir" json:"dir"`
	AuditQueue   int    `yaml:"audit_queue" toml:"audit_queue" json:"audit_queue"`
	SQLite       bool   `yaml:"sqlite" toml:"sqlite" json:"sqlite"`
	ObserverAddr string `yaml:"observer_addr" toml:"observer_addr" json:"observer_addr"`
	RotateHours  int    `yaml:"rotate_every_hours" toml:"rotate_every_hours" json:"rotate_every_hours"`
}

func Defaults() Tuning {
	return Tuning{
		World:      World{Width: 10, Height: 10},
		Population: Population{Search: 10, Rescue: 10, Relay: 40},
		Ticks:      100,
		FlushTicks: 10,
		Seed:       42,
		CommProb:   1.0,
		FanOut:     1.0,
		TickRates:  TickRates{Search: 1, Rescue: 1, Relay: 1},
		Rescue:     Rescue{ServiceMin: 3, ServiceMax: 7},
		Analysis:   Analysis{MaxDelay: 3, Horizon: 25, Tolerance: 0.05},
		Output:     Output{Dir: "logs", AuditQueue: 262144, RotateHours: 1},
	}
}

// Load reads a YAML file, or TOML when the extension is .toml, over the
// defaults. An empty path yields the defaults. A relative ontology path is
// resolved against the file's directory.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	name := filepath.Base(path)
	isTOML := strings.EqualFold(filepath.Ext(path), ".toml")

	var generic map[string]any
	if isTOML {
		err = toml.Unmarshal(raw, &generic)
	} else {
		err = yaml.Unmarshal(raw, &generic)
	}
	if err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	if err := checkShape(generic); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}

	if isTOML {
		err = toml.Unmarshal(raw, &t)
	} else {
		err = yaml.Unmarshal(raw, &t)
	}
	if err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	if t.Ontology != "" && !filepath.IsAbs(t.Ontology) {
		t.Ontology = filepath.Join(filepath.Dir(path), t.Ontology)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func checkShape(doc map[string]any) error {
	if doc == nil {
		return nil
	}
	s, err := docschema.Compile("tuning.schema.json", documentSchema)
	if err != nil {
		return err
	}
	if err := docschema.Validate(s, doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Normalize fills zero values that have an obvious default.
func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	if t.TickRates.Search <= 0 {
		t.TickRates.Search = 1
	}
	if t.TickRates.Rescue <= 0 {
		t.TickRates.Rescue = 1
	}
	if t.TickRates.Relay <= 0 {
		t.TickRates.Relay = 1
	}
	if t.FlushTicks < 0 {
		t.FlushTicks = 0
	}
	if t.BadUpdate.Interval < 0 {
		t.BadUpdate.Interval = 0
	}
	if t.Output.AuditQueue <= 0 {
		t.Output.AuditQueue = 262144
	}
	if t.Output.RotateHours <= 0 {
		t.Output.RotateHours = 1
	}
	if strings.TrimSpace(t.Output.Dir) == "" {
		t.Output.Dir = "logs"
	}
	sort.Ints(t.BadUpdate.Ticks)
	sort.SliceStable(t.Failures, func(i, j int) bool { return t.Failures[i].Tick < t.Failures[j].Tick })
}

func (t Tuning) Validate() error {
	var problems []string
	if t.World.Width <= 0 || t.World.Height <= 0 {
		problems = append(problems, fmt.Sprintf("world size must be positive, got %dx%d", t.World.Width, t.World.Height))
	}
	if t.Population.Search < 0 || t.Population.Rescue < 0 || t.Population.Relay < 0 {
		problems = append(problems, "population counts must be non-negative")
	}
	if t.Population.Total() == 0 {
		problems = append(problems, "population is empty")
	}
	if t.Ticks <= 0 {
		problems = append(problems, fmt.Sprintf("ticks must be positive, got %d", t.Ticks))
	}
	if t.CommProb < 0 || t.CommProb > 1 {
		problems = append(problems, fmt.Sprintf("comm_prob must be in [0,1], got %v", t.CommProb))
	}
	if t.FanOut < 0 || t.FanOut > 1 {
		problems = append(problems, fmt.Sprintf("fan_out must be in [0,1], got %v", t.FanOut))
	}
	if t.Rescue.ServiceMin < 0 || t.Rescue.ServiceMax < t.Rescue.ServiceMin {
		problems = append(problems, fmt.Sprintf("rescue service range [%d,%d] is invalid", t.Rescue.ServiceMin, t.Rescue.ServiceMax))
	}
	for _, f := range t.Failures {
		if f.Tick <= 0 {
			problems = append(problems, fmt.Sprintf("failure tick must be positive, got %d", f.Tick))
		}
		for _, id := range f.Agents {
			if strings.TrimSpace(id) == "" {
				problems = append(problems, "failure agent id is empty")
			}
		}
	}
	if t.Analysis.MaxDelay < 0 || t.Analysis.Horizon < 0 {
		problems = append(problems, "analysis max_delay and horizon must be non-negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
