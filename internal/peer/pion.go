package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/sigrelay/internal/proto"
)

// PionEngine is the production Engine: a pion PeerConnection carrying one
// data channel, enough for a full offer/answer/ICE handshake. Media tracks
// are the application's business; it can reach the PeerConnection via PC.
type PionEngine struct {
	pc *webrtc.PeerConnection

	mu    sync.Mutex
	onice func(proto.CandidateMsg)
}

// NewPionEngine builds a peer connection from cfg and pre-creates a data
// channel so the first offer always has something to negotiate.
func NewPionEngine(cfg webrtc.Configuration) (*PionEngine, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}
	if _, err := pc.CreateDataChannel("data", nil); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peer: create data channel: %w", err)
	}

	e := &PionEngine{pc: pc}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		msg := proto.CandidateMsg{Candidate: init.Candidate}
		if init.SDPMid != nil {
			msg.SdpMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			msg.SdpMLineIndex = int(*init.SDPMLineIndex)
		}
		e.mu.Lock()
		fn := e.onice
		e.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	})
	return e, nil
}

// PC exposes the underlying peer connection for track and data channel setup.
func (e *PionEngine) PC() *webrtc.PeerConnection { return e.pc }

func (e *PionEngine) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("peer: create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("peer: set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (e *PionEngine) AcceptOffer(sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("peer: set remote offer: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("peer: create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("peer: set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (e *PionEngine) AcceptAnswer(sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("peer: set remote answer: %w", err)
	}
	return nil
}

func (e *PionEngine) AddCandidate(cand proto.CandidateMsg) error {
	init := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.SdpMid != "" {
		mid := cand.SdpMid
		init.SDPMid = &mid
	}
	idx := uint16(cand.SdpMLineIndex)
	init.SDPMLineIndex = &idx
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("peer: add ice candidate: %w", err)
	}
	return nil
}

func (e *PionEngine) OnCandidate(fn func(proto.CandidateMsg)) {
	e.mu.Lock()
	e.onice = fn
	e.mu.Unlock()
}

func (e *PionEngine) Close() error {
	return e.pc.Close()
}
