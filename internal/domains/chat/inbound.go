package chat

import (
	"context"
	"strings"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

// Inbound protocol handlers. A nil return means the item was fully handled
// (including the stale/unauthorized cases, which are dropped by design) and
// its transport copy may be acknowledged. Store I/O failures are returned so
// the item is retried at the next resumption pass.

// HandleInvite applies an incoming invite. A duplicate invite for a chat that
// already exists locally is stale and discarded.
func (s *Service) HandleInvite(ctx context.Context, sender string, env contracts.Envelope) error {
	caddr := models.CanonicalAddress(sender)
	if caddr == "" || env.Invitation == nil {
		return nil
	}
	chatID := env.ChatID(caddr)
	if _, exists := s.Chats.Find(chatID.ID); exists {
		return nil
	}

	now := s.now()
	payload := *env.Invitation
	var chat models.Chat
	if chatID.IsGroup {
		chat = models.Chat{
			IsGroup:       true,
			GroupID:       chatID.ID,
			Members:       membersFromWire(payload.Members),
			Admins:        payload.Admins,
			Name:          payload.ChatName,
			Status:        models.ChatStatusInvited,
			CreatedAt:     now,
			LastUpdatedAt: now,
		}
		if payload.Settings != nil {
			chat.Settings = *payload.Settings
		}
		if !chat.HasMember(s.self()) {
			s.logger().Warn("invite does not list local address", "sender_fp", caddr, "chat_id", chatID.ID)
			return nil
		}
	} else {
		name := payload.ChatName
		if name == "" {
			name = strings.TrimSpace(sender)
		}
		chat = models.Chat{
			IsGroup:       false,
			PeerAddress:   strings.TrimSpace(sender),
			PeerCAddr:     caddr,
			Name:          name,
			Status:        models.ChatStatusInvited,
			CreatedAt:     now,
			LastUpdatedAt: now,
		}
	}
	if err := models.ValidateChat(chat); err != nil {
		s.logger().Warn("invite failed validation", "reason", err.Error())
		return nil
	}
	if err := s.Chats.Add(chat); err != nil {
		return err
	}
	inviteID := payload.InviteMessageID
	if inviteID == "" {
		inviteID = env.ChatMessageID
	}
	if err := s.recordInvitation(chat, inviteID, models.DirectionIncoming, caddr, payload, now); err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: chat.Key()})
	return nil
}

// HandleAccept applies an acceptance at the initiator: mark the acceptor,
// recompute status, and relay the accumulated accepted-set to everyone else.
func (s *Service) HandleAccept(ctx context.Context, sender string, env contracts.Envelope) error {
	caddr := models.CanonicalAddress(sender)
	if caddr == "" || env.Invitation == nil {
		return nil
	}
	chatID := env.ChatID(caddr)
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}

	now := s.now()
	if !chat.IsGroup {
		if chat.Status != models.ChatStatusInitiated {
			return nil
		}
		updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
			c.Status = models.ChatStatusOn
			c.LastUpdatedAt = now
			return c, nil
		})
		if err != nil {
			return err
		}
		s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})
		return nil
	}

	initiator, _, found := s.initiatorOf(chat)
	if !found || initiator != s.self() {
		// Acceptances flow to the initiator only; anything else is noise.
		return nil
	}
	if !chat.HasMember(caddr) {
		return nil
	}
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		if idx := c.MemberIndex(caddr); idx >= 0 {
			c.Members[idx].HasAccepted = true
		}
		c.Status = s.convergedStatus(c, initiator)
		c.LastUpdatedAt = now
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})

	recipients := s.otherMembers(updated, caddr)
	if len(recipients) == 0 {
		return nil
	}
	relayID, err := s.newMessageID(now)
	if err != nil {
		return err
	}
	relay := s.newEnvelope(contracts.WireKindSystem, updated, relayID, now)
	relay.System = &contracts.SystemPayload{
		Event:    contracts.SystemUpdateMembers,
		Members:  wireMembers(updated),
		Admins:   updated.Admins,
		Accepted: updated.AcceptedAddresses(),
	}
	return s.sendEnvelope(ctx, recipients, relay)
}

// ApplyMembersUpdate handles both the initiator's accepted-set relay and an
// admin's roster mutation. The sender must be an admin at the time of
// receipt, not at the time the event was generated.
func (s *Service) ApplyMembersUpdate(ctx context.Context, sender string, env contracts.Envelope) error {
	caddr := models.CanonicalAddress(sender)
	if env.System == nil {
		return nil
	}
	chatID := env.ChatID(caddr)
	if !chatID.IsGroup {
		return nil
	}
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}
	if !chat.IsAdmin(caddr) {
		s.logger().Warn("members update from non-admin dropped", "sender_fp", caddr, "chat_id", chat.Key())
		return nil
	}
	payload := *env.System
	self := s.self()
	initiator, _, hasInvite := s.initiatorOf(chat)

	selfRemoved := false
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		if len(payload.Members) > 0 {
			next := membersFromWire(payload.Members)
			// A locally-known acceptance never regresses on a lagging roster.
			for i, m := range next {
				if idx := c.MemberIndex(m.Address); idx >= 0 && c.Members[idx].HasAccepted {
					next[i].HasAccepted = true
				}
			}
			c.Members = next
			if payload.Admins != nil {
				c.Admins = payload.Admins
			}
		}
		for _, accepted := range payload.Accepted {
			if idx := c.MemberIndex(accepted); idx >= 0 {
				c.Members[idx].HasAccepted = true
			}
		}
		if !c.HasMember(self) {
			selfRemoved = true
			c.Admins = dropAddress(c.Admins, self)
			return c, nil
		}
		if hasInvite && c.Status != models.ChatStatusInvited && c.Status != models.ChatStatusInitiated {
			c.Status = s.convergedStatus(c, initiator)
		}
		c.LastUpdatedAt = s.now()
		return c, nil
	})
	if err != nil {
		return err
	}
	if selfRemoved {
		return s.deleteLocally(updated)
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})
	return nil
}

// ApplyChatName handles an inbound rename. Group renames require the sender
// to be an admin.
func (s *Service) ApplyChatName(ctx context.Context, sender string, env contracts.Envelope) error {
	caddr := models.CanonicalAddress(sender)
	if env.System == nil || strings.TrimSpace(env.System.ChatName) == "" {
		return nil
	}
	chatID := env.ChatID(caddr)
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}
	if chat.IsGroup && !chat.IsAdmin(caddr) {
		return nil
	}
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.Name = strings.TrimSpace(env.System.ChatName)
		c.LastUpdatedAt = s.now()
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})
	return nil
}

// ApplySettings handles an inbound settings change.
func (s *Service) ApplySettings(ctx context.Context, sender string, env contracts.Envelope) error {
	caddr := models.CanonicalAddress(sender)
	if env.System == nil || env.System.Settings == nil {
		return nil
	}
	chatID := env.ChatID(caddr)
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}
	if chat.IsGroup && !chat.IsAdmin(caddr) {
		return nil
	}
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.Settings = *env.System.Settings
		c.LastUpdatedAt = s.now()
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})
	return nil
}

// ApplyMemberRemoved handles both individual removal and chat deletion; from
// the recipient's perspective they are the same event. When the notice names
// another member, only the roster shrinks.
func (s *Service) ApplyMemberRemoved(ctx context.Context, sender string, env contracts.Envelope) error {
	caddr := models.CanonicalAddress(sender)
	if env.System == nil {
		return nil
	}
	chatID := env.ChatID(caddr)
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}
	if chat.IsGroup && !chat.IsAdmin(caddr) {
		return nil
	}
	removed := models.CanonicalAddress(env.System.RemovedAddress)
	self := s.self()
	if env.System.ChatDeleted || removed == "" || removed == self {
		return s.deleteLocally(chat)
	}
	if !chat.HasMember(removed) {
		return nil
	}
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.Members = dropMember(c.Members, removed)
		c.Admins = dropAddress(c.Admins, removed)
		c.LastUpdatedAt = s.now()
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})
	return nil
}

// ApplyMemberLeft handles a voluntary departure. The sender removes only
// itself, so membership rather than admin rights authorizes the event.
func (s *Service) ApplyMemberLeft(ctx context.Context, sender string, env contracts.Envelope) error {
	caddr := models.CanonicalAddress(sender)
	if env.System == nil {
		return nil
	}
	chatID := env.ChatID(caddr)
	if !chatID.IsGroup {
		return nil
	}
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}
	if !chat.HasMember(caddr) {
		return nil
	}
	initiator, _, hasInvite := s.initiatorOf(chat)
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.Members = dropMember(c.Members, caddr)
		c.Admins = dropAddress(c.Admins, caddr)
		if hasInvite && c.Status != models.ChatStatusInvited && c.Status != models.ChatStatusInitiated {
			c.Status = s.convergedStatus(c, initiator)
		}
		c.LastUpdatedAt = s.now()
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})
	return nil
}
