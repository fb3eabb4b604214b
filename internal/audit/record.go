// Package audit defines the per-action audit record and the bounded,
// non-blocking queue that carries records from the simulation to writers.
package audit

import (
	"encoding/json"
	"fmt"
)

type Event string

const (
	EventMemoryUpdate  Event = "memory_update"
	EventReceive       Event = "receive"
	EventFanout        Event = "fanout"
	EventCandidate     Event = "candidate"
	EventMove          Event = "move"
	EventStartRescue   Event = "start_rescue"
	EventRescue        Event = "rescue"
	EventWait          Event = "wait"
	EventZoneReset     Event = "zone_reset"
	EventFoundSurvivor Event = "found_survivor"
	EventZoneStatus    Event = "zone_status"
	EventFailure       Event = "failure"
	EventSeed          Event = "seed"
	EventRelay         Event = "relay"
	EventBadUpdate     Event = "bad_update"
)

// Validated is the tri-state validation column: true, false, or "-" for
// events that do not pass through validation.
type Validated int8

const (
	ValidatedNA Validated = iota
	ValidatedTrue
	ValidatedFalse
)

func ValidatedOf(ok bool) Validated {
	if ok {
		return ValidatedTrue
	}
	return ValidatedFalse
}

func (v Validated) String() string {
	switch v {
	case ValidatedTrue:
		return "true"
	case ValidatedFalse:
		return "false"
	}
	return "-"
}

func (v Validated) MarshalJSON() ([]byte, error) {
	switch v {
	case ValidatedTrue:
		return []byte("true"), nil
	case ValidatedFalse:
		return []byte("false"), nil
	}
	return []byte(`"-"`), nil
}

func (v *Validated) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true", `"true"`:
		*v = ValidatedTrue
	case "false", `"false"`:
		*v = ValidatedFalse
	case `"-"`, "null":
		*v = ValidatedNA
	default:
		return fmt.Errorf("audit: bad validated value %s", b)
	}
	return nil
}

// Record is one significant action. Field order matches the persisted
// column order. Origin names the sender on candidate and receive records.
type Record struct {
	Tick      int       `json:"tick"`
	Agent     string    `json:"agent"`
	Event     Event     `json:"event"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Validated Validated `json:"validated"`
	InScope   bool      `json:"in_scope"`
	Origin    string    `json:"origin,omitempty"`
}

func (r Record) String() string {
	b, _ := json.Marshal(r)
	return string(b)
}
