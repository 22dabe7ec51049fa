// Package relay is the HTTP polling transport: a stateless REST surface over
// the signaling state. Clients poll at a fixed interval; every GET is a
// point-in-time snapshot filtered by fromtime. There is no server-side
// blocking.
package relay

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/sigrelay/internal/signal"
	"github.com/petervdpas/sigrelay/internal/util"
)

// sessionHeader carries the session token on every request after the
// initial session open.
const sessionHeader = "Session-Id"

type Server struct {
	addr    string
	tlsCert string
	tlsKey  string
	state   *signal.State
	srv     *http.Server
}

type Options struct {
	Addr    string
	TLSCert string
	TLSKey  string
}

func New(opts Options, state *signal.State) *Server {
	return &Server{
		addr:    opts.Addr,
		tlsCert: opts.TLSCert,
		tlsKey:  opts.TLSKey,
		state:   state,
	}
}

// Start binds the listener and serves until ctx ends. Returns once the
// listener is up; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/signaling", s.handleSession)
	mux.HandleFunc("/signaling/connection", s.handleConnection)
	mux.HandleFunc("/signaling/offer", s.handleOffer)
	mux.HandleFunc("/signaling/answer", s.handleAnswer)
	mux.HandleFunc("/signaling/candidate", s.handleCandidate)
	mux.HandleFunc("/signaling/disconnection", s.handleDisconnection)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Stop server when ctx ends.
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

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
			log.Printf("RELAY: server error: %v", serveErr)
		}
	}()

	log.Printf("RELAY: listening on %s (mode=%s)", s.addr, s.state.Mode())
	return nil
}

// Addr returns the bound listen address, useful when Options.Addr asked for
// an ephemeral port.
func (s *Server) Addr() string { return s.addr }
