package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sarswarm.ai/internal/observerproto"
	"sarswarm.ai/internal/sim/agents"
	"sarswarm.ai/internal/sim/runner"
)

// Hub fans tick messages out to observer sessions. Publish never blocks: a
// session whose queue is full misses that tick.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	latest   *observerproto.TickMsg
	dropped  atomic.Uint64
}

type session struct {
	out    chan []byte
	filter map[string]bool
	none   bool
}

func NewHub() *Hub { return &Hub{sessions: map[string]*session{}} }

// TickMessage builds the observer view of one snapshot.
func TickMessage(sum runner.TickSummary, roster []agents.Agent) observerproto.TickMsg {
	msg := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            sum.Tick,
		Flush:           sum.Flush,
		Injected:        sum.Injected,
		Keys:            sum.Keys,
		Detected:        sum.Detected,
		Relayed:         sum.Relayed,
		Rescued:         sum.Rescued,
		Disabled:        sum.Disabled,
	}
	for _, a := range roster {
		msg.Agents = append(msg.Agents, observerproto.AgentState{
			ID:       a.ID(),
			Role:     string(a.Role()),
			Zone:     a.Location(),
			Keys:     a.Memory().Len(),
			Disabled: a.Disabled(),
		})
	}
	return msg
}

func (h *Hub) Publish(msg observerproto.TickMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := msg
	h.latest = &m
	for _, s := range h.sessions {
		b, err := json.Marshal(s.view(msg))
		if err != nil {
			continue
		}
		select {
		case s.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

// Latest returns the last published message.
func (h *Hub) Latest() (observerproto.TickMsg, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return observerproto.TickMsg{}, false
	}
	return *h.latest, true
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) join(id string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[id] = s
	if h.latest != nil {
		if b, err := json.Marshal(s.view(*h.latest)); err == nil {
			select {
			case s.out <- b:
			default:
			}
		}
	}
}

func (h *Hub) subscribe(id string, sub observerproto.SubscribeMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[id]; ok {
		s.filter, s.none = filterOf(sub), sub.NoAgents
	}
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

func (s *session) view(msg observerproto.TickMsg) observerproto.TickMsg {
	if s.none {
		msg.Agents = nil
		return msg
	}
	if len(s.filter) == 0 {
		return msg
	}
	var kept []observerproto.AgentState
	for _, a := range msg.Agents {
		if s.filter[a.ID] {
			kept = append(kept, a)
		}
	}
	msg.Agents = kept
	return msg
}

func filterOf(sub observerproto.SubscribeMsg) map[string]bool {
	if len(sub.Agents) == 0 {
		return nil
	}
	f := make(map[string]bool, len(sub.Agents))
	for _, id := range sub.Agents {
		f[id] = true
	}
	return f
}

type Server struct {
	hub       *Hub
	bootstrap func() observerproto.BootstrapResponse
	log       *zap.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(hub *Hub, bootstrap func() observerproto.BootstrapResponse, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:       hub,
		bootstrap: bootstrap,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see below
		},
	}
}

// Mux serves the bootstrap document and the WS endpoint.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/observer/ws", s.WSHandler())
	return mux
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := s.bootstrap()
		resp.ProtocolVersion = observerproto.Version
		if latest, ok := s.hub.Latest(); ok {
			resp.Tick = latest.Tick
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 64)
		s.hub.join(sid, &session{out: out, filter: filterOf(sub), none: sub.NoAgents})
		defer s.hub.leave(sid)
		s.log.Debug("observer joined", zap.String("session", sid), zap.String("remote", r.RemoteAddr))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := decodeSubscribe(msg); ok {
				s.hub.subscribe(sid, sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Debug("observer left", zap.String("session", sid))
	}
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
