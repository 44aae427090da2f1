package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

var (
	errAddressRequired = errors.New("peer address is required")
	errNameRequired    = errors.New("chat name is required")
	errNoAdmins        = errors.New("group chat needs at least one admin")
	errRemoveSelf      = errors.New("cannot remove own address, leave the chat instead")
)

// Service owns the chat lifecycle and the group-membership convergence
// protocol. Caller-invoked operations surface typed faults; inbound protocol
// handlers drop bad traffic silently and report nil so the transport copy is
// acknowledged.
type Service struct {
	Self     string
	Chats    contracts.ChatStore
	Messages contracts.MessageStore

	Send         func(ctx context.Context, recipients []string, env contracts.Envelope) error
	Notify       func(contracts.ChangeEvent)
	Reclaim      func(removed []models.Message)
	NewMessageID func(now time.Time) (string, error)
	NewGroupID   func() (string, error)
	Now          func() time.Time
	Logger       *slog.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) self() string {
	return models.CanonicalAddress(s.Self)
}

func (s *Service) notify(event contracts.ChangeEvent) {
	if s.Notify != nil {
		s.Notify(event)
	}
}

func (s *Service) reclaim(removed []models.Message) {
	if s.Reclaim != nil && len(removed) > 0 {
		s.Reclaim(removed)
	}
}

func (s *Service) newMessageID(now time.Time) (string, error) {
	if s.NewMessageID == nil {
		return "", errors.New("message id generator is required")
	}
	return s.NewMessageID(now)
}

func (s *Service) sendEnvelope(ctx context.Context, recipients []string, env contracts.Envelope) error {
	if s.Send == nil || len(recipients) == 0 {
		return nil
	}
	if err := s.Send(ctx, recipients, env); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}
	return nil
}

// newEnvelope stamps the shared envelope fields; GroupChatID stays empty for
// one-to-one chats, which is how the receiver disambiguates.
func (s *Service) newEnvelope(kind contracts.WireKind, chat models.Chat, messageID string, now time.Time) contracts.Envelope {
	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: kind,
		ChatMessageID:   messageID,
		TimestampMs:     now.UnixMilli(),
	}
	if chat.IsGroup {
		env.GroupChatID = chat.GroupID
	}
	return env
}

// otherMembers returns every member address except the local one and any
// extra exclusions, canonicalized.
func (s *Service) otherMembers(chat models.Chat, exclude ...string) []string {
	skip := map[string]struct{}{s.self(): {}}
	for _, addr := range exclude {
		skip[models.CanonicalAddress(addr)] = struct{}{}
	}
	out := make([]string, 0, len(chat.Members))
	for _, m := range chat.Members {
		caddr := models.CanonicalAddress(m.Address)
		if _, skipped := skip[caddr]; skipped {
			continue
		}
		out = append(out, caddr)
	}
	return out
}

// initiatorOf recovers the inviter and the original invite's id from the
// recorded invitation message. An outgoing invite means the local side
// initiated the chat.
func (s *Service) initiatorOf(chat models.Chat) (initiator, inviteMessageID string, ok bool) {
	for _, msg := range s.Messages.ListByChat(chat.Key()) {
		if msg.Kind != models.MessageKindInvitation {
			continue
		}
		if msg.Direction == models.DirectionOutgoing {
			return s.self(), msg.ChatMessageID, true
		}
		if chat.IsGroup {
			return models.CanonicalAddress(msg.Sender), msg.ChatMessageID, true
		}
		return chat.PeerCAddr, msg.ChatMessageID, true
	}
	return "", "", false
}

// convergedStatus recomputes a group chat status after an acceptance landed.
// The initiator trends through partially-on until every member accepted; a
// non-initiator is on as soon as both it and the initiator are accepted.
func (s *Service) convergedStatus(chat models.Chat, initiator string) models.ChatStatus {
	if chat.AllMembersAccepted() {
		return models.ChatStatusOn
	}
	self := s.self()
	if initiator == self {
		return models.ChatStatusPartiallyOn
	}
	selfAccepted := false
	if idx := chat.MemberIndex(self); idx >= 0 {
		selfAccepted = chat.Members[idx].HasAccepted
	}
	initiatorAccepted := false
	if idx := chat.MemberIndex(initiator); idx >= 0 {
		initiatorAccepted = chat.Members[idx].HasAccepted
	}
	if selfAccepted && initiatorAccepted {
		return models.ChatStatusOn
	}
	return models.ChatStatusAccepted
}

func wireMembers(chat models.Chat) []contracts.WireMember {
	out := make([]contracts.WireMember, 0, len(chat.Members))
	for _, m := range chat.Members {
		out = append(out, contracts.WireMember{
			Address:     m.Address,
			HasAccepted: m.HasAccepted,
		})
	}
	return out
}

func membersFromWire(members []contracts.WireMember) []models.Member {
	out := make([]models.Member, 0, len(members))
	for _, m := range members {
		out = append(out, models.Member{
			Address:     m.Address,
			HasAccepted: m.HasAccepted,
		})
	}
	return out
}
