// Package peer is the client half of the signaling protocol: a Signaler that
// speaks one of the two transports, and a Driver that owns a peer-connection
// engine and walks it through offer/answer/candidate exchange.
// Coupling to the engine is via the Engine interface only.
package peer

import "github.com/petervdpas/sigrelay/internal/proto"

// Signaler abstracts the relay transport. Both implementations deliver
// inbound signals on the Subscribe channel; outbound calls are fire-and-forget
// apart from CreateConnection, which reports the assigned glare role.
type Signaler interface {
	CreateConnection(connID string) (proto.ConnectMsg, error)
	DeleteConnection(connID string) error
	SendOffer(connID, sdp string) error
	SendAnswer(connID, sdp string) error
	SendCandidate(cand proto.CandidateMsg) error

	// Subscribe returns a channel of inbound signals and a cancel func.
	// Slow subscribers lose messages rather than stalling the transport.
	Subscribe() (ch chan proto.Signal, cancel func())

	Close() error
}

// Engine is the opaque peer-connection capability: it produces and consumes
// SDP blobs and ICE candidates, nothing more. The pion implementation lives in
// pion.go; tests substitute a scripted fake.
type Engine interface {
	// CreateOffer produces a local offer and applies it as the local
	// description.
	CreateOffer() (sdp string, err error)
	// AcceptOffer applies a remote offer and returns the local answer,
	// already applied as the local description.
	AcceptOffer(sdp string) (answer string, err error)
	// AcceptAnswer applies a remote answer to a previously created offer.
	AcceptAnswer(sdp string) error
	AddCandidate(cand proto.CandidateMsg) error
	// OnCandidate registers the callback for locally gathered candidates.
	OnCandidate(fn func(proto.CandidateMsg))
	Close() error
}
