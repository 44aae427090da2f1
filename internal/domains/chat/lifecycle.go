package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

// CreateOtoChat creates a one-to-one chat in the initiated state and mails an
// invite to the peer. The chat stays initiated until the acceptance arrives.
func (s *Service) CreateOtoChat(ctx context.Context, peerAddr, name string) (models.Chat, error) {
	display := strings.TrimSpace(peerAddr)
	caddr := models.CanonicalAddress(peerAddr)
	if caddr == "" {
		return models.Chat{}, errAddressRequired
	}
	if _, exists := s.Chats.Find(caddr); exists {
		return models.Chat{}, contracts.ErrChatAlreadyExists
	}
	now := s.now()
	if name == "" {
		name = display
	}
	chat := models.Chat{
		IsGroup:       false,
		PeerAddress:   display,
		PeerCAddr:     caddr,
		Name:          name,
		Status:        models.ChatStatusInitiated,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	inviteID, err := s.newMessageID(now)
	if err != nil {
		return models.Chat{}, err
	}
	if err := s.Chats.Add(chat); err != nil {
		return models.Chat{}, err
	}
	payload := contracts.InvitationPayload{
		Kind:            contracts.InvitationInvite,
		ChatName:        name,
		InviteMessageID: inviteID,
	}
	if err := s.recordInvitation(chat, inviteID, models.DirectionOutgoing, s.self(), payload, now); err != nil {
		return models.Chat{}, err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: chat.Key()})

	env := s.newEnvelope(contracts.WireKindInvitation, chat, inviteID, now)
	env.Invitation = &payload
	return chat, s.sendEnvelope(ctx, []string{caddr}, env)
}

// CreateGroupChat creates a group chat with the local address as an accepted
// admin member and mails an invite to every other member.
func (s *Service) CreateGroupChat(ctx context.Context, name string, memberAddrs, adminAddrs []string, settings models.ChatSettings) (models.Chat, error) {
	if strings.TrimSpace(name) == "" {
		return models.Chat{}, errNameRequired
	}
	self := s.self()
	members := []models.Member{{Address: self, HasAccepted: true}}
	seen := map[string]struct{}{self: {}}
	for _, addr := range memberAddrs {
		caddr := models.CanonicalAddress(addr)
		if caddr == "" {
			return models.Chat{}, errAddressRequired
		}
		if _, dup := seen[caddr]; dup {
			continue
		}
		seen[caddr] = struct{}{}
		members = append(members, models.Member{Address: strings.TrimSpace(addr)})
	}
	admins := []string{self}
	for _, addr := range adminAddrs {
		caddr := models.CanonicalAddress(addr)
		if caddr == "" || caddr == self {
			continue
		}
		admins = append(admins, caddr)
	}
	if s.NewGroupID == nil {
		return models.Chat{}, errors.New("group id generator is required")
	}
	groupID, err := s.NewGroupID()
	if err != nil {
		return models.Chat{}, err
	}
	now := s.now()
	chat := models.Chat{
		IsGroup:       true,
		GroupID:       groupID,
		Members:       members,
		Admins:        admins,
		Name:          strings.TrimSpace(name),
		Status:        models.ChatStatusInitiated,
		Settings:      settings,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := models.ValidateChat(chat); err != nil {
		return models.Chat{}, err
	}
	inviteID, err := s.newMessageID(now)
	if err != nil {
		return models.Chat{}, err
	}
	if err := s.Chats.Add(chat); err != nil {
		return models.Chat{}, err
	}
	payload := contracts.InvitationPayload{
		Kind:            contracts.InvitationInvite,
		ChatName:        chat.Name,
		Members:         wireMembers(chat),
		Admins:          chat.Admins,
		InviteMessageID: inviteID,
		Settings:        &chat.Settings,
	}
	if err := s.recordInvitation(chat, inviteID, models.DirectionOutgoing, self, payload, now); err != nil {
		return models.Chat{}, err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: chat.Key()})

	env := s.newEnvelope(contracts.WireKindInvitation, chat, inviteID, now)
	env.Invitation = &payload
	return chat, s.sendEnvelope(ctx, s.otherMembers(chat), env)
}

// AcceptInvitation answers a pending invite. One-to-one chats flip straight
// to on; group members move to accepted (or on, when the initiator is already
// known to be in) and send the acceptance to the initiator only.
func (s *Service) AcceptInvitation(ctx context.Context, chatID models.ChatID) error {
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	if chat.Status != models.ChatStatusInvited {
		return contracts.ErrInvitationNotFound
	}
	initiator, inviteID, found := s.initiatorOf(chat)
	if !found {
		return contracts.ErrInvitationNotFound
	}

	now := s.now()
	self := s.self()
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		if !c.IsGroup {
			c.Status = models.ChatStatusOn
			c.LastUpdatedAt = now
			return c, nil
		}
		if idx := c.MemberIndex(self); idx >= 0 {
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

	acceptID, err := s.newMessageID(now)
	if err != nil {
		return err
	}
	env := s.newEnvelope(contracts.WireKindInvitation, updated, acceptID, now)
	env.Invitation = &contracts.InvitationPayload{
		Kind:            contracts.InvitationAccept,
		InviteMessageID: inviteID,
	}
	return s.sendEnvelope(ctx, []string{initiator}, env)
}

// RenameChat changes the display name. Group renames require admin rights and
// are broadcast; one-to-one renames are purely local.
func (s *Service) RenameChat(ctx context.Context, chatID models.ChatID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errNameRequired
	}
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	if chat.IsGroup && !chat.IsAdmin(s.self()) {
		return contracts.ErrNotAdmin
	}
	for _, other := range s.Chats.List() {
		if other.Key() != chat.Key() && other.IsGroup && strings.EqualFold(other.Name, name) {
			return contracts.ErrDuplicateChatName
		}
	}
	now := s.now()
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.Name = name
		c.LastUpdatedAt = now
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})
	if !chat.IsGroup {
		return nil
	}

	messageID, err := s.newMessageID(now)
	if err != nil {
		return err
	}
	env := s.newEnvelope(contracts.WireKindSystem, updated, messageID, now)
	env.System = &contracts.SystemPayload{Event: contracts.SystemUpdateChatName, ChatName: name}
	return s.sendEnvelope(ctx, s.otherMembers(updated), env)
}

// UpdateSettings changes the chat policy snapshot and broadcasts it. For
// group chats only admins may do this; either peer may in a one-to-one chat.
func (s *Service) UpdateSettings(ctx context.Context, chatID models.ChatID, settings models.ChatSettings) error {
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	if chat.IsGroup && !chat.IsAdmin(s.self()) {
		return contracts.ErrNotAdmin
	}
	now := s.now()
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.Settings = settings
		c.LastUpdatedAt = now
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})

	messageID, err := s.newMessageID(now)
	if err != nil {
		return err
	}
	recipients := s.otherMembers(updated)
	if !updated.IsGroup {
		recipients = []string{updated.PeerCAddr}
	}
	env := s.newEnvelope(contracts.WireKindSystem, updated, messageID, now)
	env.System = &contracts.SystemPayload{Event: contracts.SystemUpdateSettings, Settings: &settings}
	return s.sendEnvelope(ctx, recipients, env)
}

// AddMembers invites additional addresses into a group chat and tells the
// existing members about the new roster.
func (s *Service) AddMembers(ctx context.Context, chatID models.ChatID, addrs []string) error {
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	if !chat.IsGroup {
		return contracts.ErrNotGroupChat
	}
	if !chat.IsAdmin(s.self()) {
		return contracts.ErrNotAdmin
	}
	added := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		caddr := models.CanonicalAddress(addr)
		if caddr == "" {
			return errAddressRequired
		}
		if chat.HasMember(caddr) {
			return contracts.ErrAlreadyChatMember
		}
		added = append(added, caddr)
	}

	now := s.now()
	initiator, inviteID, hasInvite := s.initiatorOf(chat)
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		for _, caddr := range added {
			c.Members = append(c.Members, models.Member{Address: caddr})
		}
		if hasInvite && initiator == s.self() && c.Status != models.ChatStatusInitiated {
			c.Status = s.convergedStatus(c, initiator)
		}
		c.LastUpdatedAt = now
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})

	if hasInvite {
		env := s.newEnvelope(contracts.WireKindInvitation, updated, inviteID, now)
		env.Invitation = &contracts.InvitationPayload{
			Kind:            contracts.InvitationInvite,
			ChatName:        updated.Name,
			Members:         wireMembers(updated),
			Admins:          updated.Admins,
			InviteMessageID: inviteID,
			Settings:        &updated.Settings,
		}
		if err := s.sendEnvelope(ctx, added, env); err != nil {
			return err
		}
	}
	messageID, err := s.newMessageID(now)
	if err != nil {
		return err
	}
	env := s.newEnvelope(contracts.WireKindSystem, updated, messageID, now)
	env.System = &contracts.SystemPayload{
		Event:   contracts.SystemUpdateMembers,
		Members: wireMembers(updated),
		Admins:  updated.Admins,
	}
	return s.sendEnvelope(ctx, s.otherMembers(updated, added...), env)
}

// RemoveMember drops a member from a group chat, notifies the removed party
// and broadcasts the new roster to everyone else.
func (s *Service) RemoveMember(ctx context.Context, chatID models.ChatID, addr string) error {
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	if !chat.IsGroup {
		return contracts.ErrNotGroupChat
	}
	self := s.self()
	if !chat.IsAdmin(self) {
		return contracts.ErrNotAdmin
	}
	caddr := models.CanonicalAddress(addr)
	if caddr == self {
		return errRemoveSelf
	}
	if !chat.HasMember(caddr) {
		return contracts.ErrNotChatMember
	}

	now := s.now()
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.Members = dropMember(c.Members, caddr)
		c.Admins = dropAddress(c.Admins, caddr)
		c.LastUpdatedAt = now
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})

	noticeID, err := s.newMessageID(now)
	if err != nil {
		return err
	}
	notice := s.newEnvelope(contracts.WireKindSystem, updated, noticeID, now)
	notice.System = &contracts.SystemPayload{Event: contracts.SystemMemberRemoved, RemovedAddress: caddr}
	if err := s.sendEnvelope(ctx, []string{caddr}, notice); err != nil {
		return err
	}

	rosterID, err := s.newMessageID(now)
	if err != nil {
		return err
	}
	roster := s.newEnvelope(contracts.WireKindSystem, updated, rosterID, now)
	roster.System = &contracts.SystemPayload{
		Event:   contracts.SystemUpdateMembers,
		Members: wireMembers(updated),
		Admins:  updated.Admins,
	}
	return s.sendEnvelope(ctx, s.otherMembers(updated), roster)
}

// UpdateAdmins replaces the admin set and broadcasts the roster.
func (s *Service) UpdateAdmins(ctx context.Context, chatID models.ChatID, admins []string) error {
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	if !chat.IsGroup {
		return contracts.ErrNotGroupChat
	}
	if !chat.IsAdmin(s.self()) {
		return contracts.ErrNotAdmin
	}
	if len(admins) == 0 {
		return errNoAdmins
	}
	canonical := make([]string, 0, len(admins))
	for _, addr := range admins {
		canonical = append(canonical, models.CanonicalAddress(addr))
	}

	now := s.now()
	updated, err := s.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.Admins = canonical
		c.LastUpdatedAt = now
		return c, nil
	})
	if err != nil {
		return err
	}
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatUpdated, ChatKey: updated.Key()})

	messageID, err := s.newMessageID(now)
	if err != nil {
		return err
	}
	env := s.newEnvelope(contracts.WireKindSystem, updated, messageID, now)
	env.System = &contracts.SystemPayload{
		Event:   contracts.SystemUpdateMembers,
		Members: wireMembers(updated),
		Admins:  updated.Admins,
	}
	return s.sendEnvelope(ctx, s.otherMembers(updated), env)
}

// DeleteChat hard-removes a chat. The sole admin of a populated group must
// first empty it; with co-admins present the remaining members are told the
// chat is gone via the same notice used for individual removal.
func (s *Service) DeleteChat(ctx context.Context, chatID models.ChatID) error {
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	self := s.self()
	if chat.IsGroup {
		if !chat.IsAdmin(self) {
			return contracts.ErrNotAdmin
		}
		others := s.otherMembers(chat)
		if len(others) > 0 {
			if len(chat.Admins) == 1 {
				return contracts.ErrChatWithMembers
			}
			now := s.now()
			noticeID, err := s.newMessageID(now)
			if err != nil {
				return err
			}
			notice := s.newEnvelope(contracts.WireKindSystem, chat, noticeID, now)
			notice.System = &contracts.SystemPayload{
				Event:          contracts.SystemMemberRemoved,
				RemovedAddress: "",
				ChatDeleted:    true,
			}
			if err := s.sendEnvelope(ctx, others, notice); err != nil {
				return err
			}
		}
	}
	return s.deleteLocally(chat)
}

// LeaveChat removes the local member from a group chat voluntarily. The sole
// admin cannot leave while other members remain; rights must be handed over
// first.
func (s *Service) LeaveChat(ctx context.Context, chatID models.ChatID) error {
	chat, ok := s.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	if !chat.IsGroup {
		return contracts.ErrNotGroupChat
	}
	self := s.self()
	if !chat.HasMember(self) {
		return contracts.ErrNotChatMember
	}
	others := s.otherMembers(chat)
	if chat.IsAdmin(self) && len(chat.Admins) == 1 && len(others) > 0 {
		return contracts.ErrLastAdmin
	}
	if len(others) > 0 {
		now := s.now()
		noticeID, err := s.newMessageID(now)
		if err != nil {
			return err
		}
		notice := s.newEnvelope(contracts.WireKindSystem, chat, noticeID, now)
		notice.System = &contracts.SystemPayload{Event: contracts.SystemMemberLeft}
		if err := s.sendEnvelope(ctx, others, notice); err != nil {
			return err
		}
	}
	return s.deleteLocally(chat)
}

func (s *Service) deleteLocally(chat models.Chat) error {
	removed, err := s.Messages.DeleteByChat(chat.Key())
	if err != nil {
		return err
	}
	if err := s.Chats.Delete(chat.Key()); err != nil {
		return err
	}
	s.reclaim(removed)
	s.notify(contracts.ChangeEvent{Kind: contracts.ChangeChatDeleted, ChatKey: chat.Key()})
	return nil
}

func (s *Service) recordInvitation(chat models.Chat, inviteID string, direction models.Direction, sender string, payload contracts.InvitationPayload, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := models.Message{
		ChatMessageID: inviteID,
		Direction:     direction,
		Kind:          models.MessageKindInvitation,
		Body:          string(body),
		Status:        models.MessageStatusNone,
		Timestamp:     now,
		Settings:      chat.Settings,
	}
	if chat.IsGroup {
		msg.GroupChatID = chat.GroupID
		msg.Sender = sender
	} else {
		msg.OtoPeerCAddr = chat.PeerCAddr
	}
	return s.Messages.Add(msg)
}

// dropMember filters into a fresh slice; the input is left untouched so a
// caller holding the original roster never sees a partial removal.
func dropMember(members []models.Member, caddr string) []models.Member {
	out := make([]models.Member, 0, len(members))
	for _, m := range members {
		if models.CanonicalAddress(m.Address) == caddr {
			continue
		}
		out = append(out, m)
	}
	return out
}

func dropAddress(addrs []string, caddr string) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if models.CanonicalAddress(addr) == caddr {
			continue
		}
		out = append(out, addr)
	}
	return out
}
