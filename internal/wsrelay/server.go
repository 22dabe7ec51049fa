// Package wsrelay is the persistent-socket transport: one long-lived
// websocket per session, JSON envelopes both ways. Routing and visibility
// rules are the same as the polling transport; delivery is an immediate push
// through the signaling state's sink instead of a ledger read.
package wsrelay

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/sigrelay/internal/proto"
	"github.com/petervdpas/sigrelay/internal/signal"
	"github.com/petervdpas/sigrelay/internal/util"
)

type Server struct {
	addr    string
	tlsCert string
	tlsKey  string
	state   *signal.State
	srv     *http.Server

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client // sessionID -> client
}

type Options struct {
	Addr    string
	TLSCert string
	TLSKey  string
}

func New(opts Options, state *signal.State) *Server {
	s := &Server{
		addr:    opts.Addr,
		tlsCert: opts.TLSCert,
		tlsKey:  opts.TLSKey,
		state:   state,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay is origin-agnostic; access control is the
			// deployment's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	state.SetSink(s.push)
	return s
}

// Start binds the listener and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	// Sweep on a ticker: sockets normally tear sessions down on close, but
	// a half-dead connection that stops ponging still has to expire.
	go s.sweepLoop(ctx)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()

	go func() {
		var serveErr error
		if s.tlsCert != "" {
			serveErr = s.srv.ServeTLS(ln, s.tlsCert, s.tlsKey)
		} else {
			serveErr = s.srv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Printf("WS: server error: %v", serveErr)
		}
	}()

	log.Printf("WS: listening on %s (mode=%s)", s.addr, s.state.Mode())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.addr }

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: upgrade failed: %v", err)
		return
	}

	// Socket connect is the implicit session open.
	sessionID := s.state.CreateSession()
	c := newClient(sessionID, conn, s)

	s.mu.Lock()
	s.clients[sessionID] = c
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// push is the state sink: deliver a routed signal to the session's socket
// immediately. Slow clients drop rather than block the router.
func (s *Server) push(sessionID string, sig proto.Signal) {
	s.mu.Lock()
	c := s.clients[sessionID]
	s.mu.Unlock()
	if c == nil {
		return
	}
	env, err := proto.NewEnvelope("", "", sig)
	if err != nil {
		log.Printf("WS: encode push for %s: %v", sessionID, err)
		return
	}
	select {
	case c.send <- env:
	default:
		log.Printf("WS: send buffer full for %s, dropping %s", sessionID, env.Type)
	}
}

// remove unregisters a client and cascades its session teardown. Idempotent;
// the session may already have been swept.
func (s *Server) remove(c *client) {
	s.mu.Lock()
	if s.clients[c.sessionID] == c {
		delete(s.clients, c.sessionID)
	}
	s.mu.Unlock()
	_ = s.state.DeleteSession(c.sessionID)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.state.Sweep()

			s.mu.Lock()
			var dead []*client
			for id, c := range s.clients {
				if !s.state.Alive(id) {
					dead = append(dead, c)
					delete(s.clients, id)
				}
			}
			s.mu.Unlock()

			for _, c := range dead {
				log.Printf("WS: closing socket for swept session %s", c.sessionID)
				c.close()
			}
		}
	}
}
