package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/sigrelay/internal/proto"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) millis() int64           { return c.t.UnixMilli() }

func newTestState(mode Mode) (*State, *fakeClock) {
	clk := newFakeClock()
	return New(Options{Mode: mode, Timeout: 10 * time.Second, Clock: clk.now}), clk
}

func TestPolitenessAssignment(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	a := s.CreateSession()
	b := s.CreateSession()
	c := s.CreateSession()

	first, err := s.CreateConnection(a, "X")
	if err != nil {
		t.Fatal(err)
	}
	if first.Polite {
		t.Fatal("first claim must be impolite")
	}
	second, err := s.CreateConnection(b, "X")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Polite {
		t.Fatal("second claim must be polite")
	}

	// A third session may not join a full pair.
	if _, err := s.CreateConnection(c, "X"); !errors.Is(err, ErrConnectionInUse) {
		t.Fatalf("expected ErrConnectionInUse, got %v", err)
	}

	// Re-claiming an already-held slot is idempotent and keeps the role.
	again, err := s.CreateConnection(a, "X")
	if err != nil {
		t.Fatal(err)
	}
	if again.Polite {
		t.Fatal("re-claim must keep the impolite role")
	}
}

func TestGeneratedConnectionID(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	a := s.CreateSession()
	msg, err := s.CreateConnection(a, "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.ConnectionID == "" {
		t.Fatal("expected a server-generated connection id")
	}
}

func TestOfferVisibility(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	a := s.CreateSession()
	b := s.CreateSession()
	s.CreateConnection(a, "X")
	s.CreateConnection(b, "X")

	if err := s.RouteOffer(a, "X", "O1"); err != nil {
		t.Fatal(err)
	}

	got, err := s.OffersSince(b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SDP != "O1" || got[0].ConnectionID != "X" {
		t.Fatalf("unexpected offers for b: %+v", got)
	}
	if !got[0].Polite {
		t.Fatal("routed private offer must carry polite=true for the receiver")
	}

	// The sender never sees its own record.
	own, err := s.OffersSince(a, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 0 {
		t.Fatalf("sender must not see its own offer, got %+v", own)
	}
}

func TestOfferDroppedWithoutCounterpart(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	a := s.CreateSession()
	s.CreateConnection(a, "X")

	// Peer not ready: accepted silently, nothing queued anywhere.
	if err := s.RouteOffer(a, "X", "O1"); err != nil {
		t.Fatal(err)
	}
	own, _ := s.OffersSince(a, 0)
	if len(own) != 0 {
		t.Fatal("dropped offer must not queue")
	}
}

func TestAnswerRouting(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	a := s.CreateSession()
	b := s.CreateSession()
	s.CreateConnection(a, "X")
	s.CreateConnection(b, "X")
	s.RouteOffer(a, "X", "O1")

	if err := s.RouteAnswer(b, "X", "A1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.AnswersSince(a, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SDP != "A1" {
		t.Fatalf("unexpected answers for a: %+v", got)
	}
	if other, _ := s.AnswersSince(b, 0); len(other) != 0 {
		t.Fatal("answer must only reach the counterpart")
	}
}

func TestCandidateBumpOnAnswer(t *testing.T) {
	s, clk := newTestState(ModePrivate)
	a := s.CreateSession()
	b := s.CreateSession()
	s.CreateConnection(a, "X")
	s.CreateConnection(b, "X")
	s.RouteOffer(a, "X", "O1")

	// Candidate trickles before the answer completes the handshake.
	s.RouteCandidate(a, proto.CandidateMsg{ConnectionID: "X", Candidate: "c1"})
	clk.advance(2 * time.Second)
	answerTime := clk.millis()
	if err := s.RouteAnswer(b, "X", "A1"); err != nil {
		t.Fatal(err)
	}

	// A poll window anchored just before the answer still surfaces c1.
	groups, err := s.CandidatesSince(b, answerTime-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].ConnectionID != "X" {
		t.Fatalf("unexpected candidate groups: %+v", groups)
	}
	if len(groups[0].Candidates) != 1 || groups[0].Candidates[0].Candidate != "c1" {
		t.Fatalf("unexpected candidates: %+v", groups[0].Candidates)
	}
	if groups[0].Candidates[0].Datetime != answerTime {
		t.Fatalf("candidate datetime not bumped: got %d want %d",
			groups[0].Candidates[0].Datetime, answerTime)
	}
}

func TestPendingCandidatesFlushedOnJoin(t *testing.T) {
	s, clk := newTestState(ModePrivate)
	a := s.CreateSession()
	s.CreateConnection(a, "X")

	// No counterpart yet: buffered, not dropped.
	s.RouteCandidate(a, proto.CandidateMsg{ConnectionID: "X", Candidate: "early"})
	clk.advance(time.Second)
	joinTime := clk.millis()

	b := s.CreateSession()
	if _, err := s.CreateConnection(b, "X"); err != nil {
		t.Fatal(err)
	}
	groups, err := s.CandidatesSince(b, joinTime)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Candidates[0].Candidate != "early" {
		t.Fatalf("buffered candidate not handed over: %+v", groups)
	}
}

func TestWindowedRead(t *testing.T) {
	s, clk := newTestState(ModePrivate)
	a := s.CreateSession()
	b := s.CreateSession()
	s.CreateConnection(a, "X")
	s.CreateConnection(b, "X")

	s.RouteOffer(a, "X", "O1")
	t1 := clk.millis()
	clk.advance(time.Second)
	s.RouteOffer(a, "X", "O2")
	t2 := clk.millis()

	all, _ := s.OffersSince(b, t1)
	if len(all) != 2 {
		t.Fatalf("expected 2 offers from t1, got %d", len(all))
	}
	if all[0].SDP != "O1" || all[1].SDP != "O2" {
		t.Fatalf("offers out of order: %+v", all)
	}

	// Boundary is inclusive: a record stamped exactly at T is returned.
	later, _ := s.OffersSince(b, t2)
	if len(later) != 1 || later[0].SDP != "O2" {
		t.Fatalf("expected only O2 from t2, got %+v", later)
	}

	// Advancing the window past the last record drains the feed.
	none, _ := s.OffersSince(b, t2+1)
	if len(none) != 0 {
		t.Fatalf("expected empty window, got %+v", none)
	}
}

func TestDeleteSessionCascade(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	a := s.CreateSession()
	b := s.CreateSession()
	s.CreateConnection(a, "X")
	s.CreateConnection(b, "X")

	if err := s.DeleteSession(a); err != nil {
		t.Fatal(err)
	}
	tombs, err := s.DisconnectionsSince(b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tombs) != 1 || tombs[0].ConnectionID != "X" {
		t.Fatalf("expected exactly one tombstone for X, got %+v", tombs)
	}
	conns, _ := s.Connections(b)
	if len(conns) != 0 {
		t.Fatalf("connection must die with its owner, got %v", conns)
	}
	if err := s.Touch(a); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("deleted session must be unknown, got %v", err)
	}
}

func TestTimeoutSweepCascade(t *testing.T) {
	s, clk := newTestState(ModePrivate)
	a := s.CreateSession()
	b := s.CreateSession()
	s.CreateConnection(a, "X")
	s.CreateConnection(b, "X")

	// B keeps polling, A goes silent past the threshold.
	clk.advance(6 * time.Second)
	if err := s.Touch(b); err != nil {
		t.Fatal(err)
	}
	clk.advance(5 * time.Second)

	tombs, err := s.DisconnectionsSince(b, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(tombs) != 1 || tombs[0].ConnectionID != "X" {
		t.Fatalf("expected one tombstone after sweep, got %+v", tombs)
	}
	if err := s.Touch(a); !errors.Is(err, ErrUnknownSession) {
		t.Fatal("swept session must be unknown")
	}
}

func TestDeleteConnectionNotifiesCounterpart(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	a := s.CreateSession()
	b := s.CreateSession()
	s.CreateConnection(a, "X")
	s.CreateConnection(b, "X")

	if _, err := s.DeleteConnection(a, "X"); err != nil {
		t.Fatal(err)
	}
	tombs, _ := s.DisconnectionsSince(b, 0)
	if len(tombs) != 1 || tombs[0].ConnectionID != "X" {
		t.Fatalf("counterpart missed the disconnect: %+v", tombs)
	}
	own, _ := s.DisconnectionsSince(a, 0)
	if len(own) != 1 {
		t.Fatalf("caller's own feed missed the disconnect: %+v", own)
	}
}

func TestUnknownSessionGate(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	for name, err := range map[string]error{
		"touch":     s.Touch("nope"),
		"delete":    s.DeleteSession("nope"),
		"offer":     s.RouteOffer("nope", "X", "O"),
		"answer":    s.RouteAnswer("nope", "X", "A"),
		"candidate": s.RouteCandidate("nope", proto.CandidateMsg{ConnectionID: "X"}),
	} {
		if !errors.Is(err, ErrUnknownSession) {
			t.Fatalf("%s: expected ErrUnknownSession, got %v", name, err)
		}
	}
	if _, err := s.CreateConnection("nope", "X"); !errors.Is(err, ErrUnknownSession) {
		t.Fatal("create connection must be gated")
	}
	if _, err := s.OffersSince("nope", 0); !errors.Is(err, ErrUnknownSession) {
		t.Fatal("reads must be gated")
	}
}

func TestPublicBroadcast(t *testing.T) {
	s, _ := newTestState(ModePublic)
	a := s.CreateSession()
	b := s.CreateSession()
	c := s.CreateSession()

	// Offers on a fresh id reach every other session, never the sender.
	if err := s.RouteOffer(a, "pub", "O1"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{b, c} {
		got, _ := s.OffersSince(id, 0)
		if len(got) != 1 || got[0].SDP != "O1" {
			t.Fatalf("session %s missed the broadcast: %+v", id, got)
		}
		if got[0].Polite {
			t.Fatal("public offers carry polite=false")
		}
	}
	if own, _ := s.OffersSince(a, 0); len(own) != 0 {
		t.Fatal("sender excluded from fan-out")
	}

	// Public creates always report polite.
	msg, err := s.CreateConnection(b, "other")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Polite {
		t.Fatal("public participants are always polite")
	}
}

func TestPublicAnswerPinsPair(t *testing.T) {
	s, _ := newTestState(ModePublic)
	a := s.CreateSession()
	b := s.CreateSession()
	c := s.CreateSession()

	s.RouteOffer(a, "pub", "O1")
	if err := s.RouteAnswer(b, "pub", "A1"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.AnswersSince(a, 0)
	if len(got) != 1 || got[0].SDP != "A1" {
		t.Fatalf("offerer missed the answer: %+v", got)
	}

	// The pair is exclusive now: later offers route to B only.
	s.RouteOffer(a, "pub", "O2")
	bGot, _ := s.OffersSince(b, 0)
	if len(bGot) != 2 {
		t.Fatalf("pinned counterpart should hold both offers, got %+v", bGot)
	}
	cGot, _ := s.OffersSince(c, 0)
	if len(cGot) != 1 {
		t.Fatalf("third party must not see post-pin traffic, got %+v", cGot)
	}
}

func TestSinkBypassesLedgers(t *testing.T) {
	s, _ := newTestState(ModePrivate)
	var pushed []struct {
		to  string
		sig proto.Signal
	}
	s.SetSink(func(sessionID string, sig proto.Signal) {
		pushed = append(pushed, struct {
			to  string
			sig proto.Signal
		}{sessionID, sig})
	})

	a := s.CreateSession()
	b := s.CreateSession()
	s.CreateConnection(a, "X")
	s.CreateConnection(b, "X")
	s.RouteOffer(a, "X", "O1")

	if len(pushed) != 1 || pushed[0].to != b {
		t.Fatalf("expected one pushed delivery to b, got %+v", pushed)
	}
	if offer, ok := pushed[0].sig.(proto.OfferMsg); !ok || offer.SDP != "O1" {
		t.Fatalf("unexpected pushed signal: %+v", pushed[0].sig)
	}
	if got, _ := s.OffersSince(b, 0); len(got) != 0 {
		t.Fatal("sink deliveries must not also queue in the ledger")
	}
}
