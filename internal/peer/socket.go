package peer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/sigrelay/internal/proto"
	"github.com/petervdpas/sigrelay/internal/util"
)

// SocketSignaler drives the persistent-socket transport: one long-lived
// websocket, envelopes both ways. The relay opens the session implicitly on
// connect; hanging up the socket is the session goodbye.
type SocketSignaler struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[chan proto.Signal]struct{}
	waiter chan connectResult

	done chan struct{}
	once sync.Once
}

type connectResult struct {
	ack proto.ConnectMsg
	err error
}

// NewSocketSignaler dials url (e.g. "ws://host:port/") and starts the read
// pump.
func NewSocketSignaler(url string) (*SocketSignaler, error) {
	dialer := websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", url, err)
	}
	s := &SocketSignaler{
		conn: conn,
		subs: make(map[chan proto.Signal]struct{}),
		done: make(chan struct{}),
	}
	go s.readPump()
	return s, nil
}

// CreateConnection sends a connect frame and waits for the relay's ack. One
// claim may be in flight at a time.
func (s *SocketSignaler) CreateConnection(connID string) (proto.ConnectMsg, error) {
	waiter := make(chan connectResult, 1)
	s.mu.Lock()
	if s.waiter != nil {
		s.mu.Unlock()
		return proto.ConnectMsg{}, errors.New("peer: connect already in flight")
	}
	s.waiter = waiter
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.waiter = nil
		s.mu.Unlock()
	}()

	if err := s.send(proto.ConnectMsg{ConnectionID: connID}); err != nil {
		return proto.ConnectMsg{}, err
	}

	select {
	case res := <-waiter:
		return res.ack, res.err
	case <-time.After(util.DefaultRequestTimeout):
		return proto.ConnectMsg{}, errors.New("peer: connect ack timed out")
	case <-s.done:
		return proto.ConnectMsg{}, errors.New("peer: socket closed")
	}
}

func (s *SocketSignaler) DeleteConnection(connID string) error {
	return s.send(proto.DisconnectMsg{ConnectionID: connID})
}

func (s *SocketSignaler) SendOffer(connID, sdp string) error {
	return s.send(proto.OfferMsg{ConnectionID: connID, SDP: sdp})
}

func (s *SocketSignaler) SendAnswer(connID, sdp string) error {
	return s.send(proto.AnswerMsg{ConnectionID: connID, SDP: sdp})
}

func (s *SocketSignaler) SendCandidate(cand proto.CandidateMsg) error {
	return s.send(cand)
}

func (s *SocketSignaler) Subscribe() (chan proto.Signal, func()) {
	ch := make(chan proto.Signal, 32)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Close hangs up the socket; the relay cascades the session teardown.
func (s *SocketSignaler) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.mu.Lock()
		for ch := range s.subs {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	})
	return nil
}

func (s *SocketSignaler) send(sig proto.Signal) error {
	env, err := proto.NewEnvelope("", "", sig)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(util.DefaultRequestTimeout))
	return s.conn.WriteJSON(env)
}

func (s *SocketSignaler) readPump() {
	defer s.Close()
	for {
		var env proto.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("PEER: socket read: %v", err)
			}
			return
		}
		sig, err := proto.DecodeSignal(env)
		if err != nil {
			log.Printf("PEER: bad frame: %v", err)
			continue
		}
		s.dispatch(sig)
	}
}

// dispatch hands connect acks (and errors racing them) to the in-flight
// CreateConnection waiter; everything else fans out to subscribers.
func (s *SocketSignaler) dispatch(sig proto.Signal) {
	s.mu.Lock()
	waiter := s.waiter
	if waiter != nil {
		switch m := sig.(type) {
		case proto.ConnectMsg:
			s.waiter = nil
			s.mu.Unlock()
			waiter <- connectResult{ack: m}
			return
		case proto.ErrorMsg:
			s.waiter = nil
			s.mu.Unlock()
			waiter <- connectResult{err: errors.New(m.Message)}
			return
		}
	}
	chans := make([]chan proto.Signal, 0, len(s.subs))
	for ch := range s.subs {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- sig:
		default:
			log.Printf("PEER: subscriber full, dropping %s", proto.TypeOf(sig))
		}
	}
}
