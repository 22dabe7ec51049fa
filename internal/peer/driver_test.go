package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/sigrelay/internal/proto"
)

type fakeSignaler struct {
	polite bool

	mu      sync.Mutex
	offers  []string
	answers []string
	cands   []proto.CandidateMsg
	deleted []string

	ch chan proto.Signal
}

func newFakeSignaler(polite bool) *fakeSignaler {
	return &fakeSignaler{polite: polite, ch: make(chan proto.Signal, 16)}
}

func (f *fakeSignaler) CreateConnection(connID string) (proto.ConnectMsg, error) {
	if connID == "" {
		connID = "generated"
	}
	return proto.ConnectMsg{ConnectionID: connID, Polite: f.polite}, nil
}

func (f *fakeSignaler) DeleteConnection(connID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, connID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) SendOffer(connID, sdp string) error {
	f.mu.Lock()
	f.offers = append(f.offers, sdp)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) SendAnswer(connID, sdp string) error {
	f.mu.Lock()
	f.answers = append(f.answers, sdp)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) SendCandidate(cand proto.CandidateMsg) error {
	f.mu.Lock()
	f.cands = append(f.cands, cand)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Subscribe() (chan proto.Signal, func()) {
	return f.ch, func() {}
}

func (f *fakeSignaler) Close() error { return nil }

func (f *fakeSignaler) push(sig proto.Signal) { f.ch <- sig }

func (f *fakeSignaler) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeSignaler) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeSignaler) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type fakeEngine struct {
	mu             sync.Mutex
	acceptedOffers []string
	appliedAnswers []string
	added          []proto.CandidateMsg
	closed         bool
	onice          func(proto.CandidateMsg)
}

func (f *fakeEngine) CreateOffer() (string, error) { return "local-offer", nil }

func (f *fakeEngine) AcceptOffer(sdp string) (string, error) {
	f.mu.Lock()
	f.acceptedOffers = append(f.acceptedOffers, sdp)
	f.mu.Unlock()
	return "local-answer", nil
}

func (f *fakeEngine) AcceptAnswer(sdp string) error {
	f.mu.Lock()
	f.appliedAnswers = append(f.appliedAnswers, sdp)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) AddCandidate(cand proto.CandidateMsg) error {
	f.mu.Lock()
	f.added = append(f.added, cand)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) OnCandidate(fn func(proto.CandidateMsg)) {
	f.mu.Lock()
	f.onice = fn
	f.mu.Unlock()
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func (f *fakeEngine) offerAcceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acceptedOffers)
}

func (f *fakeEngine) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDriver(t *testing.T, polite bool, opts Options) (*Driver, *fakeSignaler, *fakeEngine) {
	t.Helper()
	sig := newFakeSignaler(polite)
	eng := &fakeEngine{}
	if opts.ConnectionID == "" {
		opts.ConnectionID = "X"
	}
	d := NewDriver(sig, eng, opts)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, sig, eng
}

func TestImpoliteSendsFirstOffer(t *testing.T) {
	d, sig, _ := startDriver(t, false, Options{})

	waitFor(t, "initial offer", func() bool { return sig.offerCount() == 1 })
	if d.State() != StateWaitingPeer {
		t.Fatalf("expected waiting-peer, got %s", d.State())
	}
	if d.Polite() {
		t.Fatal("first claimant must be impolite")
	}
}

func TestPoliteAnswersRemoteOffer(t *testing.T) {
	d, sig, eng := startDriver(t, true, Options{})

	if sig.offerCount() != 0 {
		t.Fatal("polite side must not open with an offer")
	}

	sig.push(proto.OfferMsg{ConnectionID: "X", SDP: "remote-offer", Polite: true})

	waitFor(t, "answer sent", func() bool { return sig.answerCount() == 1 })
	if eng.offerAcceptCount() != 1 {
		t.Fatalf("expected one applied offer, got %d", eng.offerAcceptCount())
	}
	waitFor(t, "stable state", func() bool { return d.State() == StateStable })
}

func TestAnswerCompletesHandshake(t *testing.T) {
	d, sig, eng := startDriver(t, false, Options{})
	waitFor(t, "initial offer", func() bool { return sig.offerCount() == 1 })

	sig.push(proto.AnswerMsg{ConnectionID: "X", SDP: "remote-answer"})

	waitFor(t, "stable state", func() bool { return d.State() == StateStable })
	eng.mu.Lock()
	applied := len(eng.appliedAnswers)
	eng.mu.Unlock()
	if applied != 1 {
		t.Fatalf("expected one applied answer, got %d", applied)
	}
}

func TestEarlyCandidatesBuffered(t *testing.T) {
	_, sig, eng := startDriver(t, true, Options{})

	sig.push(proto.CandidateMsg{ConnectionID: "X", Candidate: "c1"})
	sig.push(proto.CandidateMsg{ConnectionID: "X", Candidate: "c2"})

	// The engine must not see candidates before the remote description.
	time.Sleep(50 * time.Millisecond)
	if eng.addedCount() != 0 {
		t.Fatalf("candidates applied too early: %d", eng.addedCount())
	}

	sig.push(proto.OfferMsg{ConnectionID: "X", SDP: "remote-offer", Polite: true})

	waitFor(t, "buffered candidates flushed", func() bool { return eng.addedCount() == 2 })
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.added[0].Candidate != "c1" || eng.added[1].Candidate != "c2" {
		t.Fatalf("candidates flushed out of order: %+v", eng.added)
	}
}

func TestUnansweredOfferResends(t *testing.T) {
	_, sig, _ := startDriver(t, false, Options{ResendInterval: 20 * time.Millisecond})

	waitFor(t, "offer re-sent", func() bool { return sig.offerCount() >= 3 })
}

func TestPoliteNeverResends(t *testing.T) {
	_, sig, _ := startDriver(t, true, Options{ResendInterval: 20 * time.Millisecond})

	time.Sleep(100 * time.Millisecond)
	if sig.offerCount() != 0 {
		t.Fatalf("polite side re-sent offers: %d", sig.offerCount())
	}
}

func TestGlareImpoliteIgnoresRemoteOffer(t *testing.T) {
	_, sig, eng := startDriver(t, false, Options{})
	waitFor(t, "initial offer", func() bool { return sig.offerCount() == 1 })

	sig.push(proto.OfferMsg{ConnectionID: "X", SDP: "remote-offer", Polite: true})

	time.Sleep(50 * time.Millisecond)
	if eng.offerAcceptCount() != 0 {
		t.Fatal("impolite side must ignore a colliding offer")
	}
	if sig.answerCount() != 0 {
		t.Fatal("impolite side must not answer during glare")
	}
}

func TestRemoteDisconnectCloses(t *testing.T) {
	d, sig, eng := startDriver(t, true, Options{})

	sig.push(proto.DisconnectMsg{ConnectionID: "X"})

	waitFor(t, "driver closed", func() bool { return d.State() == StateClosed })
	waitFor(t, "engine closed", func() bool { return eng.isClosed() })
}

func TestCloseReleasesConnection(t *testing.T) {
	d, sig, eng := startDriver(t, false, Options{})
	waitFor(t, "initial offer", func() bool { return sig.offerCount() == 1 })

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if sig.deletedCount() != 1 {
		t.Fatalf("expected one connection release, got %d", sig.deletedCount())
	}
	if !eng.isClosed() {
		t.Fatal("engine must be closed with the driver")
	}

	// Close is idempotent.
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if sig.deletedCount() != 1 {
		t.Fatal("second close must not release again")
	}
}

func TestLocalCandidatesForwarded(t *testing.T) {
	d, sig, eng := startDriver(t, false, Options{})
	waitFor(t, "initial offer", func() bool { return sig.offerCount() == 1 })

	eng.mu.Lock()
	fn := eng.onice
	eng.mu.Unlock()
	if fn == nil {
		t.Fatal("driver never registered a candidate callback")
	}
	fn(proto.CandidateMsg{Candidate: "local-c1", SdpMid: "0"})

	waitFor(t, "candidate forwarded", func() bool {
		sig.mu.Lock()
		defer sig.mu.Unlock()
		return len(sig.cands) == 1 && sig.cands[0].ConnectionID == d.ConnectionID()
	})
}
