package messaging

import (
	"context"
	"errors"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

// Apply processes one inbound chat-protocol item end to end. The returned
// retain flag tells the caller to keep the transport inbox copy (attachments
// stay fetchable through it); otherwise a nil error means the item may be
// acknowledged, including every silently-dropped case.
func (e *Engine) Apply(ctx context.Context, item contracts.InboundItem) (retain bool, err error) {
	env, decodeErr := contracts.DecodeEnvelope(item.Payload)
	if decodeErr != nil {
		e.logger().Warn("malformed envelope discarded", "inbox_item_id", item.ID, "reason", decodeErr.Error())
		return false, nil
	}
	sender := models.CanonicalAddress(item.Sender)

	switch env.ChatMessageType {
	case contracts.WireKindInvitation:
		switch env.Invitation.Kind {
		case contracts.InvitationInvite:
			return false, e.route(e.OnInvite, ctx, sender, env)
		case contracts.InvitationAccept:
			return false, e.route(e.OnAccept, ctx, sender, env)
		}
		return false, nil
	case contracts.WireKindSystem:
		return false, e.applySystem(ctx, sender, env)
	case contracts.WireKindRegular:
		return e.applyRegular(ctx, sender, item, env)
	case contracts.WireKindCallSignal:
		// Live signaling is handled on its own channel; a stored copy is
		// meaningless after the fact.
		return false, nil
	}
	return false, nil
}

func (e *Engine) route(handler func(context.Context, string, contracts.Envelope) error, ctx context.Context, sender string, env contracts.Envelope) error {
	if handler == nil {
		return nil
	}
	return handler(ctx, sender, env)
}

func (e *Engine) applySystem(ctx context.Context, sender string, env contracts.Envelope) error {
	switch env.System.Event {
	case contracts.SystemUpdateStatus:
		return e.applyStatusUpdate(sender, env)
	case contracts.SystemDeleteMessage:
		return e.applyDeleteMessage(ctx, sender, env)
	case contracts.SystemUpdateReaction:
		return e.applyReaction(sender, env)
	case contracts.SystemUpdateMembers:
		return e.route(e.OnMembers, ctx, sender, env)
	case contracts.SystemUpdateChatName:
		return e.route(e.OnChatName, ctx, sender, env)
	case contracts.SystemUpdateSettings:
		return e.route(e.OnSettings, ctx, sender, env)
	case contracts.SystemMemberRemoved:
		return e.route(e.OnMemberRemoved, ctx, sender, env)
	case contracts.SystemMemberLeft:
		return e.route(e.OnMemberLeft, ctx, sender, env)
	}
	return nil
}

func (e *Engine) applyRegular(ctx context.Context, sender string, item contracts.InboundItem, env contracts.Envelope) (bool, error) {
	chatID := env.ChatID(sender)
	chat, ok := e.Chats.Find(chatID.ID)
	if !ok {
		return false, nil
	}
	if chat.IsGroup && !chat.HasMember(sender) {
		return false, nil
	}
	if _, exists := e.Messages.Get(chat.Key(), env.ChatMessageID); exists {
		// Replay of an already-applied message; the first copy owns any
		// retained inbox entry.
		return false, nil
	}

	payload := *env.Regular
	now := e.now()
	ts := now
	if env.TimestampMs > 0 {
		ts = msTime(env.TimestampMs)
	}
	removalMs := chat.Settings.RemovalMs
	if payload.RemovalMs > 0 {
		removalMs = payload.RemovalMs
	}
	msg := models.Message{
		ChatMessageID: env.ChatMessageID,
		Direction:     models.DirectionIncoming,
		Kind:          models.MessageKindRegular,
		Body:          payload.Body,
		Attachments:   payload.Attachments,
		Related:       payload.Related,
		Status:        models.MessageStatusUnread,
		Timestamp:     ts,
		Settings:      chat.Settings,
		RemovalMs:     removalMs,
	}
	if chat.IsGroup {
		msg.GroupChatID = chat.GroupID
		msg.Sender = sender
	} else {
		msg.OtoPeerCAddr = chat.PeerCAddr
	}
	retain := len(payload.Attachments) > 0
	if retain {
		msg.InboxItemID = item.ID
	}
	if err := e.Messages.Add(msg); err != nil {
		return false, err
	}
	if _, err := e.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.LastUpdatedAt = now
		return c, nil
	}); err != nil {
		return false, err
	}
	e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageAdded, ChatKey: chat.Key(), ChatMessageID: msg.ChatMessageID})

	// Received acknowledgment back to the sender, flipping their copy to sent.
	ackID, err := e.newMessageID(now)
	if err != nil {
		return retain, err
	}
	ack := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   ackID,
		TimestampMs:     now.UnixMilli(),
		System: &contracts.SystemPayload{
			Event:      contracts.SystemUpdateStatus,
			MessageIDs: []string{env.ChatMessageID},
			Status:     models.MessageStatusSent,
		},
	}
	if chat.IsGroup {
		ack.GroupChatID = chat.GroupID
	}
	deliveryID := ""
	if e.NewDeliveryID != nil {
		deliveryID = e.NewDeliveryID()
	}
	if err := e.enqueue(ctx, []string{sender}, ack, deliveryID); err != nil {
		e.logger().Warn("received ack enqueue failed", "reason", err.Error())
	}
	return retain, nil
}

func (e *Engine) applyStatusUpdate(sender string, env contracts.Envelope) error {
	chatID := env.ChatID(sender)
	chat, ok := e.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}
	if chat.IsGroup && !chat.HasMember(sender) {
		return nil
	}
	status := env.System.Status
	now := e.now()
	for _, id := range env.System.MessageIDs {
		applied := false
		updated, err := e.Messages.Update(chat.Key(), id, func(m models.Message) (models.Message, error) {
			// Receipts report on messages we sent. A peer naming one of our
			// incoming records must not move it out of unread.
			if m.Direction != models.DirectionOutgoing {
				return m, nil
			}
			applied = true
			merged := models.MergeMessageStatus(m.Status, status)
			if merged != m.Status {
				m.History = append(m.History, models.HistoryEntry{
					At:    now,
					Actor: sender,
					Kind:  "status",
					Value: string(merged),
				})
			}
			m.Status = merged
			return m, nil
		})
		if err != nil {
			if errors.Is(err, contracts.ErrMessageNotFound) {
				continue
			}
			return err
		}
		if applied {
			e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageUpdated, ChatKey: chat.Key(), ChatMessageID: updated.ChatMessageID})
		}
	}
	return nil
}

func (e *Engine) applyDeleteMessage(ctx context.Context, sender string, env contracts.Envelope) error {
	chatID := env.ChatID(sender)
	chat, ok := e.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}
	payload := *env.System

	var targets []models.Message
	if payload.AllInChat {
		targets = e.Messages.ListByChat(chat.Key())
	} else {
		for _, id := range payload.MessageIDs {
			if msg, found := e.Messages.Get(chat.Key(), id); found {
				targets = append(targets, msg)
			}
		}
	}
	if chat.IsGroup && !chat.IsAdmin(sender) {
		if payload.AllInChat {
			e.logger().Warn("delete-all from non-admin dropped", "chat_id", chat.Key())
			return nil
		}
		for _, msg := range targets {
			if models.CanonicalAddress(msg.Sender) != sender {
				e.logger().Warn("delete of foreign message from non-admin dropped", "chat_id", chat.Key())
				return nil
			}
		}
	}
	for _, msg := range targets {
		if err := e.Messages.Delete(chat.Key(), msg.ChatMessageID); err != nil {
			if errors.Is(err, contracts.ErrMessageNotFound) {
				continue
			}
			return err
		}
		e.ReclaimMessages(ctx, []models.Message{msg})
		e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageDeleted, ChatKey: chat.Key(), ChatMessageID: msg.ChatMessageID})
	}
	return nil
}

func (e *Engine) applyReaction(sender string, env contracts.Envelope) error {
	chatID := env.ChatID(sender)
	chat, ok := e.Chats.Find(chatID.ID)
	if !ok {
		return nil
	}
	if chat.IsGroup && !chat.HasMember(sender) {
		return nil
	}
	if len(env.System.MessageIDs) == 0 {
		return nil
	}
	id := env.System.MessageIDs[0]
	reaction := env.System.Reaction
	now := e.now()
	updated, err := e.Messages.Update(chat.Key(), id, func(m models.Message) (models.Message, error) {
		if current, has := m.Reactions[sender]; (has && current == reaction) || (!has && reaction == "") {
			return m, nil
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]string)
		}
		if reaction == "" {
			delete(m.Reactions, sender)
		} else {
			m.Reactions[sender] = reaction
		}
		m.History = append(m.History, models.HistoryEntry{
			At:    now,
			Actor: sender,
			Kind:  "reaction",
			Value: reaction,
		})
		return m, nil
	})
	if err != nil {
		if errors.Is(err, contracts.ErrMessageNotFound) {
			return nil
		}
		return err
	}
	e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageUpdated, ChatKey: chat.Key(), ChatMessageID: updated.ChatMessageID})
	return nil
}
