package peer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/petervdpas/sigrelay/internal/proto"
	"github.com/petervdpas/sigrelay/internal/util"
)

// DefaultPollInterval is how often the poll loop re-GETs the ledgers.
const DefaultPollInterval = time.Second

// PollSignaler drives the HTTP polling transport: it opens a session, then
// re-GETs the offer/answer/candidate/disconnection ledgers on a fixed
// interval, fanning results out to subscribers. The poll window advances on
// the server's Date header, not the local clock, so clock skew between client
// and relay never drops a message.
type PollSignaler struct {
	base      string
	sessionID string
	hc        *http.Client
	interval  time.Duration

	mu       sync.Mutex
	subs     map[chan proto.Signal]struct{}
	fromtime int64

	done chan struct{}
	once sync.Once
}

// NewPollSignaler opens a session against base (e.g. "http://host:port") and
// starts the poll loop. interval <= 0 falls back to DefaultPollInterval.
func NewPollSignaler(base string, interval time.Duration) (*PollSignaler, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &PollSignaler{
		base:     base,
		hc:       &http.Client{Timeout: util.DefaultRequestTimeout},
		interval: interval,
		subs:     make(map[chan proto.Signal]struct{}),
		done:     make(chan struct{}),
	}

	var sr struct {
		SessionID string `json:"sessionId"`
	}
	if _, err := p.request(http.MethodPut, "/signaling", nil, &sr); err != nil {
		return nil, fmt.Errorf("peer: open session: %w", err)
	}
	p.sessionID = sr.SessionID
	log.Printf("PEER: session %s opened against %s", p.sessionID, base)

	go p.pollLoop()
	return p, nil
}

// SessionID returns the relay-assigned session token.
func (p *PollSignaler) SessionID() string { return p.sessionID }

func (p *PollSignaler) CreateConnection(connID string) (proto.ConnectMsg, error) {
	var ack proto.ConnectMsg
	_, err := p.request(http.MethodPut, "/signaling/connection",
		map[string]string{"connectionId": connID}, &ack)
	return ack, err
}

func (p *PollSignaler) DeleteConnection(connID string) error {
	_, err := p.request(http.MethodDelete, "/signaling/connection",
		map[string]string{"connectionId": connID}, nil)
	return err
}

func (p *PollSignaler) SendOffer(connID, sdp string) error {
	_, err := p.request(http.MethodPost, "/signaling/offer",
		map[string]string{"connectionId": connID, "sdp": sdp}, nil)
	return err
}

func (p *PollSignaler) SendAnswer(connID, sdp string) error {
	_, err := p.request(http.MethodPost, "/signaling/answer",
		map[string]string{"connectionId": connID, "sdp": sdp}, nil)
	return err
}

func (p *PollSignaler) SendCandidate(cand proto.CandidateMsg) error {
	_, err := p.request(http.MethodPost, "/signaling/candidate", map[string]any{
		"connectionId":  cand.ConnectionID,
		"candidate":     cand.Candidate,
		"sdpMid":        cand.SdpMid,
		"sdpMLineIndex": cand.SdpMLineIndex,
	}, nil)
	return err
}

// Subscribe registers an inbound signal channel. The channel is buffered;
// a full buffer drops rather than stalling the poll loop.
func (p *PollSignaler) Subscribe() (chan proto.Signal, func()) {
	ch := make(chan proto.Signal, 32)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subs[ch]; ok {
			delete(p.subs, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Close stops the poll loop and tears the session down on the relay.
func (p *PollSignaler) Close() error {
	p.once.Do(func() {
		close(p.done)
		if _, err := p.request(http.MethodDelete, "/signaling", nil, nil); err != nil {
			log.Printf("PEER: close session: %v", err)
		}
		p.mu.Lock()
		for ch := range p.subs {
			delete(p.subs, ch)
			close(ch)
		}
		p.mu.Unlock()
	})
	return nil
}

// pollLoop is a cancellable periodic task: one tick drains all four ledgers,
// then the window advances to the relay's own clock.
func (p *PollSignaler) pollLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *PollSignaler) pollOnce() {
	p.mu.Lock()
	from := p.fromtime
	p.mu.Unlock()
	q := fmt.Sprintf("?fromtime=%d", from)

	// Transport errors are logged and retried next tick, never fatal. Only a
	// fully successful sweep advances the window, so a flaky poll re-reads
	// instead of skipping.
	var offers struct {
		Offers []proto.OfferMsg `json:"offers"`
	}
	serverDate, err := p.request(http.MethodGet, "/signaling/offer"+q, nil, &offers)
	if err != nil {
		log.Printf("PEER: poll offers: %v", err)
		return
	}

	var answers struct {
		Answers []proto.AnswerMsg `json:"answers"`
	}
	if _, err := p.request(http.MethodGet, "/signaling/answer"+q, nil, &answers); err != nil {
		log.Printf("PEER: poll answers: %v", err)
		return
	}

	var cands struct {
		Candidates []proto.CandidateGroup `json:"candidates"`
	}
	if _, err := p.request(http.MethodGet, "/signaling/candidate"+q, nil, &cands); err != nil {
		log.Printf("PEER: poll candidates: %v", err)
		return
	}

	var tombs struct {
		Disconnections []proto.DisconnectMsg `json:"disconnections"`
	}
	if _, err := p.request(http.MethodGet, "/signaling/disconnection"+q, nil, &tombs); err != nil {
		log.Printf("PEER: poll disconnections: %v", err)
		return
	}

	for _, m := range offers.Offers {
		p.broadcast(m)
	}
	for _, m := range answers.Answers {
		p.broadcast(m)
	}
	for _, g := range cands.Candidates {
		for _, m := range g.Candidates {
			m.ConnectionID = g.ConnectionID
			p.broadcast(m)
		}
	}
	for _, m := range tombs.Disconnections {
		p.broadcast(m)
	}

	if !serverDate.IsZero() {
		p.mu.Lock()
		p.fromtime = serverDate.UnixMilli()
		p.mu.Unlock()
	}
}

func (p *PollSignaler) broadcast(sig proto.Signal) {
	p.mu.Lock()
	chans := make([]chan proto.Signal, 0, len(p.subs))
	for ch := range p.subs {
		chans = append(chans, ch)
	}
	p.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- sig:
		default:
			log.Printf("PEER: subscriber full, dropping %s", proto.TypeOf(sig))
		}
	}
}

// request performs one relay call with the session header attached and decodes
// the JSON response into out (when non-nil). Returns the server's Date header.
func (p *PollSignaler) request(method, path string, body, out any) (time.Time, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return time.Time{}, err
		}
	}
	req, err := http.NewRequest(method, p.base+path, &buf)
	if err != nil {
		return time.Time{}, err
	}
	if p.sessionID != "" {
		req.Header.Set("Session-Id", p.sessionID)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := p.hc.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var serverDate time.Time
	if raw := resp.Header.Get("Date"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			serverDate = t
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return serverDate, err
		}
	}
	return serverDate, nil
}
