package observerproto

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the agent filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Agents limits per-agent state to these ids. Empty means all.
	Agents []string `json:"agents,omitempty"`
	// NoAgents drops per-agent state entirely; only totals are sent.
	NoAgents bool `json:"no_agents,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	RunID           string    `json:"run_id"`
	Tick            int       `json:"tick"`
	Params          RunParams `json:"params"`
	Zones           []string  `json:"zones"`
	Agents          []string  `json:"agents"`
}

type RunParams struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Ticks      int     `json:"ticks"`
	FlushTicks int     `json:"flush_ticks"`
	Seed       int64   `json:"seed"`
	CommProb   float64 `json:"comm_prob"`
	FanOut     float64 `json:"fan_out"`
}

// Server -> Client. Sent after every snapshot.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            int    `json:"tick"`
	Flush           bool   `json:"flush,omitempty"`
	Injected        bool   `json:"injected,omitempty"`

	Keys     int `json:"keys"`
	Detected int `json:"detected"`
	Relayed  int `json:"relayed"`
	Rescued  int `json:"rescued"`
	Disabled int `json:"disabled"`

	Agents []AgentState `json:"agents,omitempty"`
}

type AgentState struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Zone     string `json:"zone"`
	Keys     int    `json:"keys"`
	Disabled bool   `json:"disabled,omitempty"`
}
