package proto

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	offer := OfferMsg{ConnectionID: "X", SDP: "O1", Polite: true, Type: TypeOffer, Datetime: 42}

	env, err := NewEnvelope("a", "b", offer)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeOffer || env.From != "a" || env.To != "b" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var back Envelope
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}

	sig, err := DecodeSignal(back)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := sig.(OfferMsg)
	if !ok {
		t.Fatalf("expected OfferMsg, got %T", sig)
	}
	if got != offer {
		t.Fatalf("payload mangled: %+v", got)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := DecodeSignal(Envelope{Type: "teleport", Data: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("unknown type must be rejected, not ignored")
	}
}

func TestDecodeRejectsMalformedData(t *testing.T) {
	_, err := DecodeSignal(Envelope{Type: TypeOffer, Data: json.RawMessage(`"not an object"`)})
	if err == nil {
		t.Fatal("malformed payload must be rejected")
	}
}

func TestDecodeConnectWithoutData(t *testing.T) {
	// A bare connect frame asks the server to assign the connection id.
	sig, err := DecodeSignal(Envelope{Type: TypeConnect})
	if err != nil {
		t.Fatal(err)
	}
	m, ok := sig.(ConnectMsg)
	if !ok {
		t.Fatalf("expected ConnectMsg, got %T", sig)
	}
	if m.ConnectionID != "" {
		t.Fatalf("expected empty connection id, got %q", m.ConnectionID)
	}
}

func TestTypeOf(t *testing.T) {
	cases := []struct {
		sig  Signal
		want string
	}{
		{ConnectMsg{}, TypeConnect},
		{OfferMsg{}, TypeOffer},
		{AnswerMsg{}, TypeAnswer},
		{CandidateMsg{}, TypeCandidate},
		{DisconnectMsg{}, TypeDisconnect},
		{ErrorMsg{}, TypeError},
	}
	for _, c := range cases {
		if got := TypeOf(c.sig); got != c.want {
			t.Errorf("TypeOf(%T) = %q, want %q", c.sig, got, c.want)
		}
	}
}
