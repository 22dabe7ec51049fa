package signal

import (
	"sort"

	"github.com/petervdpas/sigrelay/internal/proto"
)

// Windowed ledger reads. Each returns the records visible to the session
// with datetime >= from, ascending, insertion order preserved for equal
// timestamps. Pollers advance `from` to the server's own clock between
// calls, so a record stamped exactly at the boundary is returned again
// rather than skipped.

func (s *State) OffersSince(sessionID string, from int64) ([]proto.OfferMsg, error) {
	var out []delivery
	s.mu.Lock()
	sess, err := s.gateLocked(&out, sessionID)
	var offers []proto.OfferMsg
	if err == nil {
		for _, m := range sess.offers {
			if m.Datetime >= from {
				offers = append(offers, m)
			}
		}
		sort.SliceStable(offers, func(i, j int) bool { return offers[i].Datetime < offers[j].Datetime })
	}
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return offers, err
}

func (s *State) AnswersSince(sessionID string, from int64) ([]proto.AnswerMsg, error) {
	var out []delivery
	s.mu.Lock()
	sess, err := s.gateLocked(&out, sessionID)
	var answers []proto.AnswerMsg
	if err == nil {
		for _, m := range sess.answers {
			if m.Datetime >= from {
				answers = append(answers, m)
			}
		}
		sort.SliceStable(answers, func(i, j int) bool { return answers[i].Datetime < answers[j].Datetime })
	}
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return answers, err
}

// CandidatesSince groups the visible candidates per connection, preserving
// arrival order inside each group. Groups appear in the order their first
// candidate became visible.
func (s *State) CandidatesSince(sessionID string, from int64) ([]proto.CandidateGroup, error) {
	var out []delivery
	s.mu.Lock()
	sess, err := s.gateLocked(&out, sessionID)
	var groups []proto.CandidateGroup
	if err == nil {
		matched := make([]proto.CandidateMsg, 0, len(sess.candidates))
		for _, m := range sess.candidates {
			if m.Datetime >= from {
				matched = append(matched, m)
			}
		}
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].Datetime < matched[j].Datetime })
		index := make(map[string]int)
		for _, m := range matched {
			i, ok := index[m.ConnectionID]
			if !ok {
				i = len(groups)
				index[m.ConnectionID] = i
				groups = append(groups, proto.CandidateGroup{ConnectionID: m.ConnectionID})
			}
			groups[i].Candidates = append(groups[i].Candidates, m)
		}
	}
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return groups, err
}

func (s *State) DisconnectionsSince(sessionID string, from int64) ([]proto.DisconnectMsg, error) {
	var out []delivery
	s.mu.Lock()
	sess, err := s.gateLocked(&out, sessionID)
	var tombs []proto.DisconnectMsg
	if err == nil {
		for _, m := range sess.disconnects {
			if m.Datetime >= from {
				tombs = append(tombs, m)
			}
		}
		sort.SliceStable(tombs, func(i, j int) bool { return tombs[i].Datetime < tombs[j].Datetime })
	}
	snk := s.sink
	s.mu.Unlock()
	flush(snk, out)
	return tombs, err
}
