package contracts

import (
	"errors"
	"testing"
)

func TestDecodeEnvelopeRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"v":1,"chatMessageType":"presence","chatMessageId":"17-abc"}`)
	if _, err := DecodeEnvelope(raw); !errors.Is(err, ErrWireKind) {
		t.Fatalf("expected ErrWireKind, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsVersionMismatch(t *testing.T) {
	raw := []byte(`{"v":2,"chatMessageType":"regular","chatMessageId":"17-abc","regular":{"body":"hi"}}`)
	if _, err := DecodeEnvelope(raw); !errors.Is(err, ErrWireVersion) {
		t.Fatalf("expected ErrWireVersion, got %v", err)
	}
}

func TestDecodeEnvelopePayloadMustMatchKind(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"regular without payload", `{"v":1,"chatMessageType":"regular","chatMessageId":"17-abc"}`},
		{"system carrying regular", `{"v":1,"chatMessageType":"system","chatMessageId":"17-abc","system":{"event":"update:status"},"regular":{"body":"x"}}`},
		{"invitation without payload", `{"v":1,"chatMessageType":"invitation","chatMessageId":"17-abc"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeEnvelope([]byte(tc.raw)); !errors.Is(err, ErrWirePayload) {
				t.Fatalf("expected ErrWirePayload, got %v", err)
			}
		})
	}
}

func TestDecodeEnvelopeRejectsUnknownSystemEvent(t *testing.T) {
	raw := []byte(`{"v":1,"chatMessageType":"system","chatMessageId":"17-abc","system":{"event":"update:topic"}}`)
	if _, err := DecodeEnvelope(raw); !errors.Is(err, ErrWireSystemEvent) {
		t.Fatalf("expected ErrWireSystemEvent, got %v", err)
	}
}

func TestDecodeEnvelopeGroupIDDisambiguation(t *testing.T) {
	raw := []byte(`{"v":1,"chatMessageType":"regular","chatMessageId":"17-abc","groupChatId":"tok@en","regular":{"body":"x"}}`)
	if _, err := DecodeEnvelope(raw); !errors.Is(err, ErrWireGroupID) {
		t.Fatalf("expected ErrWireGroupID, got %v", err)
	}

	env, err := DecodeEnvelope([]byte(`{"v":1,"chatMessageType":"regular","chatMessageId":"17-abc","regular":{"body":"x"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	id := env.ChatID("Bob@Example.com")
	if id.IsGroup || id.ID != "bob@example.com" {
		t.Fatalf("absent groupChatId must resolve to one-to-one, got %+v", id)
	}
}

func TestEncodeDecodeRoundTripKeepsClassification(t *testing.T) {
	env := Envelope{
		ChatMessageType: WireKindInvitation,
		ChatMessageID:   "17561234-a1b2c3d4",
		GroupChatID:     "3QJmnh7qZb",
		Invitation: &InvitationPayload{
			Kind:     InvitationInvite,
			ChatName: "weekend plans",
			Members: []WireMember{
				{Address: "alice@example.com", HasAccepted: true},
				{Address: "bob@example.com"},
			},
			Admins: []string{"alice@example.com"},
		},
	}
	raw, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ChatMessageType != WireKindInvitation || got.Invitation == nil {
		t.Fatalf("classification lost: %+v", got)
	}
	if got.Invitation.Kind != InvitationInvite || len(got.Invitation.Members) != 2 {
		t.Fatalf("invitation payload mangled: %+v", got.Invitation)
	}
}

func TestCallSignalEnvelopeNeedsNoMessageID(t *testing.T) {
	raw := []byte(`{"v":1,"chatMessageType":"webrtc-call","callSignal":{"sdp":"offer"}}`)
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("call signal rejected: %v", err)
	}
	if env.ChatMessageType != WireKindCallSignal {
		t.Fatalf("unexpected kind %q", env.ChatMessageType)
	}
}

func TestErrorCategoryNormalization(t *testing.T) {
	err := WrapCategorizedError(" Network ", errors.New("dial failed"))
	if got := ErrorCategory(err); got != ErrorCategoryNetwork {
		t.Fatalf("expected network, got %q", got)
	}
	if got := ErrorCategory(errors.New("plain")); got != ErrorCategoryAPI {
		t.Fatalf("uncategorized errors default to api, got %q", got)
	}
}
