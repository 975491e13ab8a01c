// Package observer streams tick summaries and decision audits to read-only
// websocket clients.
package observer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"villagesim.ai/internal/protocol"
)

const clientBuffer = 64

// Server is a village.Publisher. Publish calls never block: a client whose
// buffer is full misses the message.
type Server struct {
	log  *zap.Logger
	info func() protocol.WelcomeMsg

	// AllowRemote admits non-loopback clients.
	AllowRemote bool

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.RWMutex
	clients map[uint64]*client
}

type client struct {
	out chan []byte

	mu       sync.Mutex
	agents   map[string]bool // nil = all
	noAudits bool
}

func (c *client) setFilter(sub protocol.SubscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noAudits = sub.NoAudits
	c.agents = nil
	if len(sub.Agents) > 0 {
		c.agents = make(map[string]bool, len(sub.Agents))
		for _, id := range sub.Agents {
			c.agents[id] = true
		}
	}
}

func (c *client) filter() (map[string]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agents, c.noAudits
}

// NewServer builds an observer server. info supplies the WELCOME message and
// must be safe to call from any goroutine.
func NewServer(info func() protocol.WelcomeMsg, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		log:     log,
		info:    info,
		clients: map[uint64]*client{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped counts messages not delivered because a client fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) PublishTick(msg protocol.TickMsg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	var shared []byte
	for _, c := range s.clients {
		agents, _ := c.filter()
		var b []byte
		if agents == nil {
			if shared == nil {
				shared = mustMarshal(msg)
			}
			b = shared
		} else {
			b = mustMarshal(filterTick(msg, agents))
		}
		s.send(c, b)
	}
}

func (s *Server) PublishAudit(msg protocol.AuditMsg) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b []byte
	for _, c := range s.clients {
		agents, noAudits := c.filter()
		if noAudits || (agents != nil && !agents[msg.AgentID]) {
			continue
		}
		if b == nil {
			b = mustMarshal(msg)
		}
		s.send(c, b)
	}
}

func (s *Server) send(c *client, b []byte) {
	select {
	case c.out <- b:
	default:
		s.dropped.Add(1)
	}
}

func filterTick(msg protocol.TickMsg, agents map[string]bool) protocol.TickMsg {
	out := msg
	out.Agents = nil
	for _, a := range msg.Agents {
		if agents[a.AgentID] {
			out.Agents = append(out.Agents, a)
		}
	}
	out.Events = nil
	for _, e := range msg.Events {
		if agents[e.AgentID] {
			out.Events = append(out.Events, e)
		}
	}
	return out
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Messages are plain structs of strings and numbers.
		panic(err)
	}
	return b
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
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

		welcome := s.info()
		welcome.Type = protocol.TypeWelcome
		welcome.ProtocolVersion = protocol.Version
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, mustMarshal(welcome)); err != nil {
			return
		}

		c := &client{out: make(chan []byte, clientBuffer)}
		c.setFilter(sub)
		id := s.nextID.Add(1)
		s.mu.Lock()
		s.clients[id] = c
		s.mu.Unlock()
		s.log.Info("observer connected", zap.Uint64("id", id), zap.String("remote", r.RemoteAddr))
		defer func() {
			s.mu.Lock()
			delete(s.clients, id)
			s.mu.Unlock()
			s.log.Info("observer disconnected", zap.Uint64("id", id))
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
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
				c.setFilter(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func decodeSubscribe(b []byte) (protocol.SubscribeMsg, bool) {
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(b, &sub); err != nil {
		return sub, false
	}
	if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.Version {
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
