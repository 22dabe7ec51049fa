package peer

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/sigrelay/internal/proto"
	"github.com/petervdpas/sigrelay/internal/util"
)

// ConnState is the driver's negotiation phase for its connection.
type ConnState int

const (
	StateIdle ConnState = iota
	StateWaitingPeer
	StateStable
	StateRenegotiating
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingPeer:
		return "waiting-peer"
	case StateStable:
		return "stable"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DefaultResendInterval is how long the impolite side waits before re-sending
// an unanswered offer.
const DefaultResendInterval = 3 * time.Second

// pendingCandidateCap bounds how many remote candidates queue up before the
// remote description lands.
const pendingCandidateCap = 64

// Options configures a Driver.
type Options struct {
	// ConnectionID to claim; empty asks the relay to generate one.
	ConnectionID string
	// ResendInterval for unanswered offers; zero means the default.
	ResendInterval time.Duration
	// OnState, when set, observes every state transition.
	OnState func(ConnState)
}

// Driver owns one engine handle and walks it through a negotiation against
// one connection id. The relay gives no delivery guarantee, so the impolite
// side re-sends its offer on a timer until the handshake lands; the polite
// side only ever reacts.
type Driver struct {
	sig     Signaler
	eng     Engine
	resend  time.Duration
	onState func(ConnState)

	mu           sync.Mutex
	connID       string
	polite       bool
	state        ConnState
	offerSDP     string
	remoteSet    bool
	pendingCands *util.RingBuffer[proto.CandidateMsg]

	done chan struct{}
	once sync.Once
}

func NewDriver(sig Signaler, eng Engine, opts Options) *Driver {
	resend := opts.ResendInterval
	if resend <= 0 {
		resend = DefaultResendInterval
	}
	return &Driver{
		sig:          sig,
		eng:          eng,
		resend:       resend,
		onState:      opts.OnState,
		connID:       opts.ConnectionID,
		state:        StateIdle,
		pendingCands: util.NewRingBuffer[proto.CandidateMsg](pendingCandidateCap),
		done:         make(chan struct{}),
	}
}

// Start claims the connection slot and begins negotiating. The impolite side
// immediately produces and sends the first offer; the polite side waits for
// one.
func (d *Driver) Start() error {
	d.mu.Lock()
	connID := d.connID
	d.mu.Unlock()

	ack, err := d.sig.CreateConnection(connID)
	if err != nil {
		return fmt.Errorf("peer: claim connection: %w", err)
	}

	d.mu.Lock()
	d.connID = ack.ConnectionID
	d.polite = ack.Polite
	d.setStateLocked(StateWaitingPeer)
	d.mu.Unlock()
	log.Printf("PEER: connection %s claimed (polite=%v)", ack.ConnectionID, ack.Polite)

	d.eng.OnCandidate(d.sendLocalCandidate)

	go d.loop()

	if !ack.Polite {
		if err := d.sendOffer(); err != nil {
			log.Printf("PEER: initial offer: %v", err)
		}
	}
	return nil
}

func (d *Driver) ConnectionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connID
}

func (d *Driver) Polite() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.polite
}

func (d *Driver) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Renegotiate produces a fresh offer after local capabilities changed.
func (d *Driver) Renegotiate() error {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return fmt.Errorf("peer: connection %s is closed", d.connID)
	}
	d.setStateLocked(StateRenegotiating)
	d.mu.Unlock()
	return d.sendOffer()
}

// Close releases the connection slot and the engine. Idempotent.
func (d *Driver) Close() error {
	d.once.Do(func() {
		close(d.done)
		d.mu.Lock()
		connID := d.connID
		d.setStateLocked(StateClosed)
		d.mu.Unlock()
		if connID != "" {
			if err := d.sig.DeleteConnection(connID); err != nil {
				log.Printf("PEER: release connection %s: %v", connID, err)
			}
		}
		if err := d.eng.Close(); err != nil {
			log.Printf("PEER: close engine: %v", err)
		}
	})
	return nil
}

// loop consumes inbound signals and runs the offer resend timer. Everything
// the driver does after Start happens on this goroutine, which keeps the
// engine calls serialized.
func (d *Driver) loop() {
	ch, cancel := d.sig.Subscribe()
	defer cancel()

	ticker := time.NewTicker(d.resend)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			d.handle(sig)
		case <-ticker.C:
			d.maybeResend()
		}
	}
}

func (d *Driver) handle(sig proto.Signal) {
	d.mu.Lock()
	connID := d.connID
	d.mu.Unlock()

	switch m := sig.(type) {
	case proto.OfferMsg:
		if m.ConnectionID == connID {
			d.handleOffer(m)
		}
	case proto.AnswerMsg:
		if m.ConnectionID == connID {
			d.handleAnswer(m)
		}
	case proto.CandidateMsg:
		if m.ConnectionID == connID {
			d.handleCandidate(m)
		}
	case proto.DisconnectMsg:
		if m.ConnectionID == connID {
			log.Printf("PEER: connection %s disconnected by remote", connID)
			_ = d.Close()
		}
	case proto.ErrorMsg:
		log.Printf("PEER: relay error: %s", m.Message)
	}
}

// handleOffer applies a remote offer and answers immediately. During glare
// the impolite side ignores the incoming offer; its own offer wins and the
// polite counterpart will answer it.
func (d *Driver) handleOffer(m proto.OfferMsg) {
	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return
	}
	if !d.polite && d.offerSDP != "" {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	answer, err := d.eng.AcceptOffer(m.SDP)
	if err != nil {
		log.Printf("PEER: apply offer on %s: %v", m.ConnectionID, err)
		return
	}

	d.completeRemote()

	if err := d.sig.SendAnswer(m.ConnectionID, answer); err != nil {
		log.Printf("PEER: send answer on %s: %v", m.ConnectionID, err)
	}
}

func (d *Driver) handleAnswer(m proto.AnswerMsg) {
	d.mu.Lock()
	if d.state == StateClosed || d.offerSDP == "" {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := d.eng.AcceptAnswer(m.SDP); err != nil {
		log.Printf("PEER: apply answer on %s: %v", m.ConnectionID, err)
		return
	}
	d.completeRemote()
}

// handleCandidate applies a remote candidate, or buffers it while the remote
// description is still pending. The engine rejects early candidates; the
// buffer makes that ordering constraint invisible to the relay. The buffer is
// bounded, so a peer that floods candidates before ever describing itself
// loses the oldest instead of growing memory.
func (d *Driver) handleCandidate(m proto.CandidateMsg) {
	d.mu.Lock()
	if !d.remoteSet {
		d.pendingCands.Push(m)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := d.eng.AddCandidate(m); err != nil {
		log.Printf("PEER: add candidate on %s: %v", m.ConnectionID, err)
	}
}

// completeRemote marks the remote description applied, flushes buffered
// candidates and settles into Stable.
func (d *Driver) completeRemote() {
	d.mu.Lock()
	d.remoteSet = true
	d.offerSDP = ""
	pend := d.pendingCands.Drain()
	d.setStateLocked(StateStable)
	d.mu.Unlock()

	for _, c := range pend {
		if err := d.eng.AddCandidate(c); err != nil {
			log.Printf("PEER: flush candidate on %s: %v", c.ConnectionID, err)
		}
	}
}

func (d *Driver) sendOffer() error {
	sdp, err := d.eng.CreateOffer()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.offerSDP = sdp
	connID := d.connID
	d.mu.Unlock()
	return d.sig.SendOffer(connID, sdp)
}

// maybeResend re-sends the outstanding offer. Only offers are proactively
// re-sent, only by the impolite side, and only while the handshake is
// incomplete.
func (d *Driver) maybeResend() {
	d.mu.Lock()
	resend := !d.polite && d.offerSDP != "" &&
		(d.state == StateWaitingPeer || d.state == StateRenegotiating)
	sdp := d.offerSDP
	connID := d.connID
	d.mu.Unlock()

	if !resend {
		return
	}
	log.Printf("PEER: re-sending offer on %s", connID)
	if err := d.sig.SendOffer(connID, sdp); err != nil {
		log.Printf("PEER: resend offer on %s: %v", connID, err)
	}
}

func (d *Driver) sendLocalCandidate(cand proto.CandidateMsg) {
	d.mu.Lock()
	cand.ConnectionID = d.connID
	closed := d.state == StateClosed
	d.mu.Unlock()
	if closed {
		return
	}
	if err := d.sig.SendCandidate(cand); err != nil {
		log.Printf("PEER: send candidate on %s: %v", cand.ConnectionID, err)
	}
}

func (d *Driver) setStateLocked(next ConnState) {
	if d.state == next {
		return
	}
	d.state = next
	if d.onState != nil {
		go d.onState(next)
	}
}
