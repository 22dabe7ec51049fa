package signal

import (
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"

	"github.com/petervdpas/sigrelay/internal/proto"
)

// CreateConnection claims a slot on connID for the session and reports the
// assigned glare role. Politeness is positional: whoever finds the second
// slot empty on a fresh id is impolite, whoever fills it is polite. An empty
// connID asks the server to generate one.
//
// Public mode has no slot exclusivity; every participant is reported polite.
func (s *State) CreateConnection(sessionID, connID string) (proto.ConnectMsg, error) {
	var out []delivery
	s.mu.Lock()
	msg, err := s.createConnectionLocked(&out, sessionID, connID)
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return msg, err
}

func (s *State) createConnectionLocked(out *[]delivery, sessionID, connID string) (proto.ConnectMsg, error) {
	sess, err := s.gateLocked(out, sessionID)
	if err != nil {
		return proto.ConnectMsg{}, err
	}
	if connID == "" {
		connID = uuid.NewString()
	}
	now := s.now().UnixMilli()

	c, ok := s.conns[connID]
	if !ok {
		c = &connection{id: connID, pending: make(map[string][]proto.CandidateMsg)}
		c.peers[0] = sessionID
		s.conns[connID] = c
		sess.conns[connID] = struct{}{}
		polite := s.mode == ModePublic
		log.Printf("SIGNAL: connection %s opened by %s", connID, short(sessionID))
		return proto.ConnectMsg{ConnectionID: connID, Polite: polite, Datetime: now}, nil
	}

	if s.mode == ModePublic {
		sess.conns[connID] = struct{}{}
		if !c.member(sessionID) && !c.pinned && c.peers[1] == "" {
			c.peers[1] = sessionID
		}
		return proto.ConnectMsg{ConnectionID: connID, Polite: true, Datetime: now}, nil
	}

	// Private: re-claiming an already-held slot is idempotent.
	if c.member(sessionID) {
		return proto.ConnectMsg{ConnectionID: connID, Polite: c.peers[1] == sessionID, Datetime: now}, nil
	}
	if c.full() {
		return proto.ConnectMsg{}, fmt.Errorf("connection %q: %w", connID, ErrConnectionInUse)
	}

	slot := 0
	if c.peers[0] != "" {
		slot = 1
	}
	c.peers[slot] = sessionID
	sess.conns[connID] = struct{}{}
	log.Printf("SIGNAL: connection %s paired (%s, %s)", connID, short(c.peers[0]), short(c.peers[1]))

	// The counterpart existed before this join; hand over any candidates it
	// trickled while the slot was empty, stamped fresh so the joiner's poll
	// window catches them.
	if cp := c.counterpart(sessionID); cp != "" {
		for _, cand := range c.pending[cp] {
			cand.Datetime = now
			s.emitLocked(out, sessionID, cand)
		}
		delete(c.pending, cp)
	}
	return proto.ConnectMsg{ConnectionID: connID, Polite: slot == 1, Datetime: now}, nil
}

// DeleteConnection releases the caller's slot. The counterpart, when there is
// one, observes a disconnect tombstone; so does the caller's own feed. The
// connection record disappears once nobody references it.
func (s *State) DeleteConnection(sessionID, connID string) (proto.DisconnectMsg, error) {
	var out []delivery
	s.mu.Lock()
	msg, err := s.deleteConnectionLocked(&out, sessionID, connID)
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return msg, err
}

func (s *State) deleteConnectionLocked(out *[]delivery, sessionID, connID string) (proto.DisconnectMsg, error) {
	sess, err := s.gateLocked(out, sessionID)
	if err != nil {
		return proto.DisconnectMsg{}, err
	}
	tomb := proto.DisconnectMsg{ConnectionID: connID, Datetime: s.now().UnixMilli()}
	c := s.conns[connID]
	delete(sess.conns, connID)
	if c == nil {
		return tomb, nil
	}

	if s.mode == ModePublic && !c.pinned {
		for id := range s.sessions {
			s.emitLocked(out, id, tomb)
		}
	} else {
		if cp := c.counterpart(sessionID); cp != "" {
			s.emitLocked(out, cp, tomb)
		}
		s.emitLocked(out, sessionID, tomb)
	}

	for i := range c.peers {
		if c.peers[i] == sessionID {
			c.peers[i] = ""
		}
	}
	delete(c.pending, sessionID)
	if s.refCountLocked(connID) == 0 {
		delete(s.conns, connID)
		log.Printf("SIGNAL: connection %s closed", connID)
	}
	return tomb, nil
}

func (s *State) refCountLocked(connID string) int {
	n := 0
	for _, sess := range s.sessions {
		if _, ok := sess.conns[connID]; ok {
			n++
		}
	}
	return n
}

// Connections lists the live connection ids this session participates in.
func (s *State) Connections(sessionID string) ([]string, error) {
	var out []delivery
	s.mu.Lock()
	sess, err := s.gateLocked(&out, sessionID)
	var ids []string
	if err == nil {
		ids = make([]string, 0, len(sess.conns))
		for id := range sess.conns {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return ids, err
}

// RouteOffer forwards an offer to the counterpart. A missing counterpart is
// a normal transient state during simultaneous setup, never an error: the
// offer is dropped and the impolite side's resend timer covers the loss.
func (s *State) RouteOffer(sessionID, connID, sdp string) error {
	var out []delivery
	s.mu.Lock()
	err := s.routeOfferLocked(&out, sessionID, connID, sdp)
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return err
}

func (s *State) routeOfferLocked(out *[]delivery, sessionID, connID, sdp string) error {
	sess, err := s.gateLocked(out, sessionID)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	c := s.conns[connID]

	if s.mode == ModePrivate {
		if c == nil {
			return nil
		}
		cp := c.counterpart(sessionID)
		if cp == "" {
			return nil
		}
		s.emitLocked(out, cp, proto.OfferMsg{
			ConnectionID: connID, SDP: sdp, Polite: true, Type: proto.TypeOffer, Datetime: now,
		})
		return nil
	}

	// Public: claim ownership opportunistically, then broadcast to every
	// other session — or, once an answer pinned the pair, route exclusively.
	if c == nil {
		c = &connection{id: connID, pending: make(map[string][]proto.CandidateMsg)}
		c.peers[0] = sessionID
		s.conns[connID] = c
		sess.conns[connID] = struct{}{}
	}
	offer := proto.OfferMsg{ConnectionID: connID, SDP: sdp, Polite: false, Type: proto.TypeOffer, Datetime: now}
	if c.pinned {
		if cp := c.counterpart(sessionID); cp != "" {
			s.emitLocked(out, cp, offer)
		}
		return nil
	}
	for id := range s.sessions {
		if id != sessionID {
			s.emitLocked(out, id, offer)
		}
	}
	return nil
}

// RouteAnswer resolves the counterpart through the pair table and forwards
// the answer. In public mode this is the request that pins the second slot;
// from then on the connection behaves exactly like a private pair. Queued
// candidates for the connection are re-stamped with the answer's time so a
// poll window anchored just before the answer still retrieves them.
func (s *State) RouteAnswer(sessionID, connID, sdp string) error {
	var out []delivery
	s.mu.Lock()
	err := s.routeAnswerLocked(&out, sessionID, connID, sdp)
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return err
}

func (s *State) routeAnswerLocked(out *[]delivery, sessionID, connID, sdp string) error {
	sess, err := s.gateLocked(out, sessionID)
	if err != nil {
		return err
	}
	c := s.conns[connID]
	if c == nil {
		return nil
	}
	now := s.now().UnixMilli()

	cp := c.counterpart(sessionID)
	if cp == "" && s.mode == ModePublic && !c.pinned && !c.member(sessionID) {
		// First answer pins the responder into the open slot.
		if c.peers[0] == "" {
			return nil
		}
		c.peers[1] = sessionID
		c.pinned = true
		sess.conns[connID] = struct{}{}
		cp = c.peers[0]
		log.Printf("SIGNAL: connection %s pinned (%s, %s)", connID, short(c.peers[0]), short(c.peers[1]))
	}
	if cp == "" {
		return nil
	}

	s.emitLocked(out, cp, proto.AnswerMsg{
		ConnectionID: connID, SDP: sdp, Type: proto.TypeAnswer, Datetime: now,
	})
	s.bumpCandidatesLocked(c.peers[0], connID, now)
	s.bumpCandidatesLocked(c.peers[1], connID, now)
	return nil
}

// bumpCandidatesLocked advances queued candidate timestamps to the answer's
// datetime. Candidates often precede the answer that completes the
// handshake; without the bump a recipient anchoring its poll window on the
// answer would never see them.
func (s *State) bumpCandidatesLocked(sessionID, connID string, datetime int64) {
	sess := s.sessions[sessionID]
	if sess == nil {
		return
	}
	for i := range sess.candidates {
		if sess.candidates[i].ConnectionID == connID {
			sess.candidates[i].Datetime = datetime
		}
	}
}

// RouteCandidate forwards an ICE candidate to the counterpart when one is
// known. In private mode a candidate that arrives before the pair completes
// is buffered on the connection and handed over when the peer joins; public
// mode broadcasts unconditionally until the pair is pinned.
func (s *State) RouteCandidate(sessionID string, cand proto.CandidateMsg) error {
	var out []delivery
	s.mu.Lock()
	err := s.routeCandidateLocked(&out, sessionID, cand)
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return err
}

func (s *State) routeCandidateLocked(out *[]delivery, sessionID string, cand proto.CandidateMsg) error {
	_, err := s.gateLocked(out, sessionID)
	if err != nil {
		return err
	}
	c := s.conns[cand.ConnectionID]
	cand.Datetime = s.now().UnixMilli()

	if s.mode == ModePrivate {
		if c == nil {
			return nil
		}
		if cp := c.counterpart(sessionID); cp != "" {
			s.emitLocked(out, cp, cand)
			return nil
		}
		if c.member(sessionID) {
			c.pending[sessionID] = append(c.pending[sessionID], cand)
		}
		return nil
	}

	if c != nil && c.pinned {
		if cp := c.counterpart(sessionID); cp != "" {
			s.emitLocked(out, cp, cand)
		}
		return nil
	}
	for id := range s.sessions {
		if id != sessionID {
			s.emitLocked(out, id, cand)
		}
	}
	return nil
}
