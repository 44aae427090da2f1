package contracts

import (
	"encoding/json"
	"errors"
	"strings"

	"mailchat/go-engine/pkg/models"
)

// WireVersion is the only protocol envelope version this engine speaks.
const WireVersion = 1

type WireKind string

const (
	WireKindInvitation WireKind = "invitation"
	WireKindSystem     WireKind = "system"
	WireKindRegular    WireKind = "regular"
	WireKindCallSignal WireKind = "webrtc-call"
)

type InvitationKind string

const (
	InvitationInvite InvitationKind = "invite"
	InvitationAccept InvitationKind = "accept"
)

type SystemEvent string

const (
	SystemUpdateStatus   SystemEvent = "update:status"
	SystemDeleteMessage  SystemEvent = "delete:message"
	SystemUpdateMembers  SystemEvent = "update:members"
	SystemUpdateChatName SystemEvent = "update:chatName"
	SystemUpdateSettings SystemEvent = "update:settings"
	SystemUpdateReaction SystemEvent = "update:reaction"
	SystemMemberRemoved  SystemEvent = "member-removed"
	SystemMemberLeft     SystemEvent = "member-left"
)

var (
	ErrWireVersion       = errors.New("unsupported wire envelope version")
	ErrWireKind          = errors.New("unknown chat message type")
	ErrWirePayload       = errors.New("wire payload does not match chat message type")
	ErrWireMessageID     = errors.New("wire envelope is missing chatMessageId")
	ErrWireGroupID       = errors.New("wire groupChatId must not contain '@'")
	ErrWireSystemEvent   = errors.New("unknown system event")
	ErrWireInvitation    = errors.New("unknown invitation kind")
	ErrWireEmptyEnvelope = errors.New("wire envelope is empty")
)

type WireMember struct {
	Address     string `json:"address"`
	HasAccepted bool   `json:"hasAccepted"`
}

// InvitationPayload carries both directions of the handshake: the initial
// invite (members, admins, chat name) and the acceptance, which references
// the original invite's chatMessageId back to the initiator.
type InvitationPayload struct {
	Kind            InvitationKind       `json:"kind"`
	ChatName        string               `json:"chatName,omitempty"`
	Members         []WireMember         `json:"members,omitempty"`
	Admins          []string             `json:"admins,omitempty"`
	InviteMessageID string               `json:"inviteMessageId,omitempty"`
	Settings        *models.ChatSettings `json:"settings,omitempty"`
}

// SystemPayload is the closed union of shared-state mutations. Exactly which
// fields are meaningful depends on Event; unknown events are rejected at
// decode time instead of falling through.
type SystemPayload struct {
	Event SystemEvent `json:"event"`

	MessageIDs []string             `json:"messageIds,omitempty"`
	AllInChat  bool                 `json:"allInChat,omitempty"`
	Status     models.MessageStatus `json:"status,omitempty"`

	Members  []WireMember `json:"members,omitempty"`
	Admins   []string     `json:"admins,omitempty"`
	Accepted []string     `json:"accepted,omitempty"`

	ChatName string               `json:"chatName,omitempty"`
	Settings *models.ChatSettings `json:"settings,omitempty"`
	Reaction string               `json:"reaction,omitempty"`

	RemovedAddress string `json:"removedAddress,omitempty"`
	ChatDeleted    bool   `json:"chatDeleted,omitempty"`
}

type RegularPayload struct {
	Body        string               `json:"body"`
	Attachments []models.Attachment  `json:"attachments,omitempty"`
	Related     *models.RelatedRef   `json:"related,omitempty"`
	Settings    *models.ChatSettings `json:"settings,omitempty"`
	RemovalMs   int64                `json:"removalMs,omitempty"`
	SenderName  string               `json:"senderName,omitempty"`
}

// Envelope is the versioned transport payload. GroupChatID is absent for
// one-to-one traffic; the sender address arrives as transport metadata, not
// inside the envelope.
type Envelope struct {
	V               int      `json:"v"`
	ChatMessageType WireKind `json:"chatMessageType"`
	ChatMessageID   string   `json:"chatMessageId"`
	GroupChatID     string   `json:"groupChatId,omitempty"`
	TimestampMs     int64    `json:"timestampMs,omitempty"`

	Invitation *InvitationPayload `json:"invitation,omitempty"`
	System     *SystemPayload     `json:"system,omitempty"`
	Regular    *RegularPayload    `json:"regular,omitempty"`
	CallSignal json.RawMessage    `json:"callSignal,omitempty"`
}

func (e Envelope) ChatID(senderCAddr string) models.ChatID {
	if e.GroupChatID != "" {
		return models.GroupChatID(e.GroupChatID)
	}
	return models.OtoChatID(senderCAddr)
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	env.V = WireVersion
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses and structurally validates an inbound envelope.
// Anything that fails here is malformed input and is silently discarded by
// the caller.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, ErrWireEmptyEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if err := validateEnvelope(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func validateEnvelope(env Envelope) error {
	if env.V != WireVersion {
		return ErrWireVersion
	}
	if strings.Contains(env.GroupChatID, "@") {
		return ErrWireGroupID
	}
	switch env.ChatMessageType {
	case WireKindInvitation:
		if env.Invitation == nil || env.System != nil || env.Regular != nil {
			return ErrWirePayload
		}
		switch env.Invitation.Kind {
		case InvitationInvite, InvitationAccept:
		default:
			return ErrWireInvitation
		}
	case WireKindSystem:
		if env.System == nil || env.Invitation != nil || env.Regular != nil {
			return ErrWirePayload
		}
		switch env.System.Event {
		case SystemUpdateStatus, SystemDeleteMessage, SystemUpdateMembers,
			SystemUpdateChatName, SystemUpdateSettings, SystemUpdateReaction,
			SystemMemberRemoved, SystemMemberLeft:
		default:
			return ErrWireSystemEvent
		}
	case WireKindRegular:
		if env.Regular == nil || env.Invitation != nil || env.System != nil {
			return ErrWirePayload
		}
	case WireKindCallSignal:
		// Signaling payloads are opaque to this engine; they only need to be
		// routable to the live call channel.
		return nil
	default:
		return ErrWireKind
	}
	if strings.TrimSpace(env.ChatMessageID) == "" {
		return ErrWireMessageID
	}
	return nil
}
