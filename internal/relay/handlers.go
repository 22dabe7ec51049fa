package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/petervdpas/sigrelay/internal/proto"
	"github.com/petervdpas/sigrelay/internal/signal"
)

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

type connectionListResponse struct {
	Connections []string `json:"connections"`
}

type offerListResponse struct {
	Offers []proto.OfferMsg `json:"offers"`
}

type answerListResponse struct {
	Answers []proto.AnswerMsg `json:"answers"`
}

type candidateListResponse struct {
	Candidates []proto.CandidateGroup `json:"candidates"`
}

type disconnectionListResponse struct {
	Disconnections []proto.DisconnectMsg `json:"disconnections"`
}

type signalBody struct {
	ConnectionID  string `json:"connectionId"`
	SDP           string `json:"sdp"`
	Candidate     string `json:"candidate"`
	SdpMid        string `json:"sdpMid"`
	SdpMLineIndex int    `json:"sdpMLineIndex"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// gate resolves the session token. Every route except the session open
// rejects before touching business state: absent or swept tokens are 404.
func (s *Server) gate(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, "missing "+sessionHeader+" header", http.StatusNotFound)
		return "", false
	}
	if err := s.state.Touch(id); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return "", false
	}
	return id, true
}

// decodeBody reads a JSON signal body; connectionId is mandatory on every
// POST/PUT/DELETE body, never silently defaulted.
func decodeBody(w http.ResponseWriter, r *http.Request) (signalBody, bool) {
	var body signalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return signalBody{}, false
	}
	if body.ConnectionID == "" {
		http.Error(w, "connectionId is required", http.StatusBadRequest)
		return signalBody{}, false
	}
	return body, true
}

func fromTime(r *http.Request) int64 {
	raw := r.URL.Query().Get("fromtime")
	if raw == "" {
		return 0
	}
	t, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return t
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		id := s.state.CreateSession()
		writeJSON(w, sessionResponse{SessionID: id})

	case http.MethodDelete:
		id, ok := s.gate(w, r)
		if !ok {
			return
		}
		if err := s.state.DeleteSession(id); err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.gate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		msg, err := s.state.CreateConnection(id, body.ConnectionID)
		if err != nil {
			if errors.Is(err, signal.ErrConnectionInUse) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		writeJSON(w, msg)

	case http.MethodDelete:
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		msg, err := s.state.DeleteConnection(id, body.ConnectionID)
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		writeJSON(w, struct {
			ConnectionID string `json:"connectionId"`
		}{ConnectionID: msg.ConnectionID})

	case http.MethodGet:
		conns, err := s.state.Connections(id)
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if conns == nil {
			conns = []string{}
		}
		writeJSON(w, connectionListResponse{Connections: conns})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.gate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		// Peer-not-ready drops are part of normal setup; still a 200.
		if err := s.state.RouteOffer(id, body.ConnectionID, body.SDP); err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		offers, err := s.state.OffersSince(id, fromTime(r))
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if offers == nil {
			offers = []proto.OfferMsg{}
		}
		writeJSON(w, offerListResponse{Offers: offers})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.gate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		if err := s.state.RouteAnswer(id, body.ConnectionID, body.SDP); err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		answers, err := s.state.AnswersSince(id, fromTime(r))
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if answers == nil {
			answers = []proto.AnswerMsg{}
		}
		writeJSON(w, answerListResponse{Answers: answers})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.gate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		cand := proto.CandidateMsg{
			ConnectionID:  body.ConnectionID,
			Candidate:     body.Candidate,
			SdpMid:        body.SdpMid,
			SdpMLineIndex: body.SdpMLineIndex,
		}
		if err := s.state.RouteCandidate(id, cand); err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		groups, err := s.state.CandidatesSince(id, fromTime(r))
		if err != nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		if groups == nil {
			groups = []proto.CandidateGroup{}
		}
		writeJSON(w, candidateListResponse{Candidates: groups})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDisconnection(w http.ResponseWriter, r *http.Request) {
	id, ok := s.gate(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tombs, err := s.state.DisconnectionsSince(id, fromTime(r))
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if tombs == nil {
		tombs = []proto.DisconnectMsg{}
	}
	writeJSON(w, disconnectionListResponse{Disconnections: tombs})
}
