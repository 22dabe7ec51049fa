// Package proto defines the signaling payloads and the socket envelope shared
// by both transports and the client.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signal message types carried over both transports. The HTTP adapter maps
// them onto routes; the socket adapter carries them in Envelope.Type.
const (
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
	TypeError      = "error"
)

// Signal is the closed set of payloads that ride the signaling channel.
type Signal interface {
	signalType() string
}

// ConnectMsg acknowledges a connection slot claim. Polite reports the
// glare-resolution role assigned to the claiming session.
type ConnectMsg struct {
	ConnectionID string `json:"connectionId"`
	Polite       bool   `json:"polite"`
	Datetime     int64  `json:"datetime"`
}

type OfferMsg struct {
	ConnectionID string `json:"connectionId"`
	SDP          string `json:"sdp"`
	Polite       bool   `json:"polite"`
	Type         string `json:"type,omitempty"` // always "offer"
	Datetime     int64  `json:"datetime"`
}

type AnswerMsg struct {
	ConnectionID string `json:"connectionId"`
	SDP          string `json:"sdp"`
	Type         string `json:"type,omitempty"` // always "answer"
	Datetime     int64  `json:"datetime"`
}

type CandidateMsg struct {
	ConnectionID  string `json:"connectionId,omitempty"`
	Candidate     string `json:"candidate"`
	SdpMid        string `json:"sdpMid"`
	SdpMLineIndex int    `json:"sdpMLineIndex"`
	Datetime      int64  `json:"datetime"`
}

// CandidateGroup is the poll-read shape: all pending candidates for one
// connection, in arrival order.
type CandidateGroup struct {
	ConnectionID string         `json:"connectionId"`
	Candidates   []CandidateMsg `json:"candidates"`
}

// DisconnectMsg is the tombstone a surviving peer observes when the other
// side of a connection goes away, cleanly or by timeout.
type DisconnectMsg struct {
	ConnectionID string `json:"connectionId"`
	Datetime     int64  `json:"datetime"`
}

type ErrorMsg struct {
	Message string `json:"message"`
}

func (ConnectMsg) signalType() string    { return TypeConnect }
func (OfferMsg) signalType() string      { return TypeOffer }
func (AnswerMsg) signalType() string     { return TypeAnswer }
func (CandidateMsg) signalType() string  { return TypeCandidate }
func (DisconnectMsg) signalType() string { return TypeDisconnect }
func (ErrorMsg) signalType() string      { return TypeError }

// TypeOf returns the wire type string for a Signal.
func TypeOf(s Signal) string { return s.signalType() }

// Envelope is the socket frame. Data's shape depends on Type; use
// DecodeSignal to get the concrete payload.
type Envelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope wraps a Signal for the wire.
func NewEnvelope(from, to string, sig Signal) (Envelope, error) {
	b, err := json.Marshal(sig)
	if err != nil {
		return Envelope{}, fmt.Errorf("proto: marshal %s: %w", TypeOf(sig), err)
	}
	return Envelope{Type: TypeOf(sig), From: from, To: to, Data: b}, nil
}

// DecodeSignal parses env.Data according to env.Type. Unknown types are an
// error, never silently ignored.
func DecodeSignal(env Envelope) (Signal, error) {
	data := env.Data
	if len(data) == 0 {
		// A connect frame may omit data entirely (server assigns the id).
		data = json.RawMessage("{}")
	}
	env.Data = data

	var (
		sig Signal
		err error
	)
	switch env.Type {
	case TypeConnect:
		var m ConnectMsg
		err = json.Unmarshal(env.Data, &m)
		sig = m
	case TypeOffer:
		var m OfferMsg
		err = json.Unmarshal(env.Data, &m)
		sig = m
	case TypeAnswer:
		var m AnswerMsg
		err = json.Unmarshal(env.Data, &m)
		sig = m
	case TypeCandidate:
		var m CandidateMsg
		err = json.Unmarshal(env.Data, &m)
		sig = m
	case TypeDisconnect:
		var m DisconnectMsg
		err = json.Unmarshal(env.Data, &m)
		sig = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Data, &m)
		sig = m
	default:
		return nil, fmt.Errorf("proto: unknown signal type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("proto: decode %s: %w", env.Type, err)
	}
	return sig, nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
