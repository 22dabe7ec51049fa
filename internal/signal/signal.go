// Package signal holds the relay's shared state: the session store, the
// connection pair table and the per-session message ledgers. One State is
// owned by one server instance; there are no package-level singletons, so
// several independent relays can coexist in a process (and in tests).
package signal

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/sigrelay/internal/proto"
)

type Mode string

const (
	// ModePublic lets any session signal any other; offers broadcast to
	// everyone until an answer pins the pair.
	ModePublic Mode = "public"
	// ModePrivate locks a connection id to exactly two sessions.
	ModePrivate Mode = "private"
)

// DefaultTimeout is the inactivity threshold after which a session is swept.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnknownSession gates every session-scoped operation: the id is
	// absent or was already swept.
	ErrUnknownSession = errors.New("unknown session")

	// ErrConnectionInUse means a private connection id already has both
	// slots filled.
	ErrConnectionInUse = errors.New("connection id already in use")
)

// Sink receives routed signals for immediate push delivery. When a sink is
// installed (socket transport) records bypass the ledgers entirely; the
// visibility rules are identical either way. Sinks must not call back into
// State.
type Sink func(sessionID string, sig proto.Signal)

// Options configures a State. Zero values fall back to private mode, the
// default timeout and the wall clock.
type Options struct {
	Mode    Mode
	Timeout time.Duration
	Clock   func() time.Time
}

// State is the single-process signaling authority. All exported methods are
// safe for concurrent use; one coarse mutex guards everything, which keeps
// the politeness and pairing invariants from tearing across operations.
type State struct {
	mu       sync.Mutex
	mode     Mode
	timeout  time.Duration
	now      func() time.Time
	sink     Sink
	sessions map[string]*session
	conns    map[string]*connection
}

type session struct {
	id          string
	lastSeen    time.Time
	conns       map[string]struct{}
	offers      []proto.OfferMsg
	answers     []proto.AnswerMsg
	candidates  []proto.CandidateMsg
	disconnects []proto.DisconnectMsg
}

type connection struct {
	id string
	// peers are the two pair slots; "" marks an empty slot. In public mode
	// slot 0 is the owner and slot 1 stays empty until an answer pins the
	// pair.
	peers [2]string
	// pinned is set once a public-mode answer locks the pair. From then on
	// routing is exclusive between the two slots, same as private mode.
	pinned bool
	// pending buffers candidates per sender while the counterpart slot is
	// still empty (private mode only).
	pending map[string][]proto.CandidateMsg
}

type delivery struct {
	sessionID string
	sig       proto.Signal
}

func New(opts Options) *State {
	mode := opts.Mode
	if mode == "" {
		mode = ModePrivate
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &State{
		mode:     mode,
		timeout:  timeout,
		now:      clock,
		sessions: make(map[string]*session),
		conns:    make(map[string]*connection),
	}
}

func (s *State) Mode() Mode { return s.mode }

// SetSink installs the push delivery hook. Call before the transport starts
// accepting clients.
func (s *State) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// CreateSession registers a fresh session and returns its token. Never fails.
func (s *State) CreateSession() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{
		id:       id,
		lastSeen: s.now(),
		conns:    make(map[string]struct{}),
	}
	s.mu.Unlock()
	log.Printf("SIGNAL: session %s created", short(id))
	return id
}

// Touch refreshes the session's activity clock. Every authenticated request
// must pass through here (or another gated operation) so the sweeper sees
// live clients.
func (s *State) Touch(sessionID string) error {
	var out []delivery
	s.mu.Lock()
	_, err := s.gateLocked(&out, sessionID)
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return err
}

// Alive reports whether the session still exists, without refreshing its
// activity clock. The socket adapter uses it to reap connections whose
// session was swept underneath them.
func (s *State) Alive(sessionID string) bool {
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	s.mu.Unlock()
	return ok
}

// DeleteSession tears the session down, cascading a delete of every
// connection it participates in. Unknown ids fail with ErrUnknownSession.
func (s *State) DeleteSession(sessionID string) error {
	var out []delivery
	s.mu.Lock()
	s.sweepLocked(&out)
	var err error
	if _, ok := s.sessions[sessionID]; !ok {
		err = ErrUnknownSession
	} else {
		s.deleteSessionLocked(&out, sessionID)
		log.Printf("SIGNAL: session %s deleted", short(sessionID))
	}
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return err
}

// Sweep expires sessions whose clients stopped polling or pinging. The HTTP
// adapter gets this lazily on every request; the socket adapter runs it on a
// ticker as a safety net.
func (s *State) Sweep() {
	var out []delivery
	s.mu.Lock()
	s.sweepLocked(&out)
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
}

// gateLocked sweeps, then resolves and touches the session. All
// session-scoped operations funnel through it so stale peers are never
// reported as live.
func (s *State) gateLocked(out *[]delivery, sessionID string) (*session, error) {
	s.sweepLocked(out)
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	sess.lastSeen = s.now()
	return sess, nil
}

func (s *State) sweepLocked(out *[]delivery) {
	cutoff := s.now().Add(-s.timeout)
	var expired []string
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		log.Printf("SIGNAL: session %s timed out", short(id))
		s.deleteSessionLocked(out, id)
	}
}

// deleteSessionLocked removes the session and every connection it owns.
// Each surviving counterpart observes exactly one disconnect tombstone per
// shared connection; the connections' queued records die with them.
func (s *State) deleteSessionLocked(out *[]delivery, sessionID string) {
	sess := s.sessions[sessionID]
	if sess == nil {
		return
	}
	now := s.now().UnixMilli()
	for connID := range sess.conns {
		c := s.conns[connID]
		if c == nil {
			continue
		}
		tomb := proto.DisconnectMsg{ConnectionID: connID, Datetime: now}
		if s.mode == ModePublic && !c.pinned {
			for id := range s.sessions {
				if id != sessionID {
					s.emitLocked(out, id, tomb)
				}
			}
		} else if cp := c.counterpart(sessionID); cp != "" {
			s.emitLocked(out, cp, tomb)
		}
		s.dropConnectionLocked(connID, tomb.Datetime)
	}
	delete(s.sessions, sessionID)
}

// dropConnectionLocked erases a connection and its queued records from every
// surviving session, leaving only tombstones behind.
func (s *State) dropConnectionLocked(connID string, _ int64) {
	delete(s.conns, connID)
	for _, sess := range s.sessions {
		delete(sess.conns, connID)
		sess.purge(connID)
	}
}

// emitLocked routes one record to a recipient: through the sink when one is
// installed, into the recipient's ledger otherwise. The actual sink calls
// happen after the lock is released.
func (s *State) emitLocked(out *[]delivery, sessionID string, sig proto.Signal) {
	sess := s.sessions[sessionID]
	if sess == nil {
		return
	}
	if s.sink != nil {
		*out = append(*out, delivery{sessionID: sessionID, sig: sig})
		return
	}
	sess.append(sig)
}

func flush(snk Sink, out []delivery) {
	if snk == nil {
		return
	}
	for _, d := range out {
		snk(d.sessionID, d.sig)
	}
}

func (sess *session) append(sig proto.Signal) {
	switch m := sig.(type) {
	case proto.OfferMsg:
		sess.offers = append(sess.offers, m)
	case proto.AnswerMsg:
		sess.answers = append(sess.answers, m)
	case proto.CandidateMsg:
		sess.candidates = append(sess.candidates, m)
	case proto.DisconnectMsg:
		sess.disconnects = append(sess.disconnects, m)
	}
}

// purge drops queued offer/answer/candidate records for a dead connection.
// Disconnect tombstones stay so late pollers still observe the teardown.
func (sess *session) purge(connID string) {
	sess.offers = filterOffers(sess.offers, connID)
	sess.answers = filterAnswers(sess.answers, connID)
	sess.candidates = filterCandidates(sess.candidates, connID)
}

func filterOffers(in []proto.OfferMsg, connID string) []proto.OfferMsg {
	kept := in[:0]
	for _, m := range in {
		if m.ConnectionID != connID {
			kept = append(kept, m)
		}
	}
	return kept
}

func filterAnswers(in []proto.AnswerMsg, connID string) []proto.AnswerMsg {
	kept := in[:0]
	for _, m := range in {
		if m.ConnectionID != connID {
			kept = append(kept, m)
		}
	}
	return kept
}

func filterCandidates(in []proto.CandidateMsg, connID string) []proto.CandidateMsg {
	kept := in[:0]
	for _, m := range in {
		if m.ConnectionID != connID {
			kept = append(kept, m)
		}
	}
	return kept
}

func (c *connection) counterpart(sessionID string) string {
	switch sessionID {
	case c.peers[0]:
		return c.peers[1]
	case c.peers[1]:
		return c.peers[0]
	}
	return ""
}

func (c *connection) member(sessionID string) bool {
	return sessionID != "" && (c.peers[0] == sessionID || c.peers[1] == sessionID)
}

func (c *connection) full() bool {
	return c.peers[0] != "" && c.peers[1] != ""
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
