package messaging

import (
	"context"
	"time"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// SendMessage records an outgoing regular message as sending and hands it to
// the transport. Delivery progress flips it to sent or error later.
func (e *Engine) SendMessage(ctx context.Context, chatID models.ChatID, body string, attachments []models.Attachment, related *models.RelatedRef) (models.Message, error) {
	chat, ok := e.Chats.Find(chatID.ID)
	if !ok {
		return models.Message{}, contracts.ErrChatNotFound
	}
	now := e.now()
	id, err := e.newMessageID(now)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ChatMessageID: id,
		Direction:     models.DirectionOutgoing,
		Kind:          models.MessageKindRegular,
		Body:          body,
		Attachments:   attachments,
		Related:       related,
		Status:        models.MessageStatusSending,
		Timestamp:     now,
		Settings:      chat.Settings,
		RemovalMs:     chat.Settings.RemovalMs,
	}
	if chat.IsGroup {
		msg.GroupChatID = chat.GroupID
		msg.Sender = e.self()
	} else {
		msg.OtoPeerCAddr = chat.PeerCAddr
	}
	if err := e.Messages.Add(msg); err != nil {
		return models.Message{}, err
	}
	if _, err := e.Chats.Update(chat.Key(), func(c models.Chat) (models.Chat, error) {
		c.LastUpdatedAt = now
		return c, nil
	}); err != nil {
		return models.Message{}, err
	}
	e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageAdded, ChatKey: chat.Key(), ChatMessageID: id})

	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindRegular,
		ChatMessageID:   id,
		TimestampMs:     now.UnixMilli(),
		Regular: &contracts.RegularPayload{
			Body:        body,
			Attachments: attachments,
			Related:     related,
			RemovalMs:   msg.RemovalMs,
		},
	}
	if chat.IsGroup {
		env.GroupChatID = chat.GroupID
	}
	deliveryID := ""
	if e.NewDeliveryID != nil {
		deliveryID = e.NewDeliveryID()
	}
	e.trackDelivery(deliveryID, chat.Key(), id)
	if err := e.enqueue(ctx, e.recipientsOf(chat), env, deliveryID); err != nil {
		failed, updateErr := e.Messages.Update(chat.Key(), id, func(m models.Message) (models.Message, error) {
			m.Status = models.MessageStatusError
			return m, nil
		})
		if updateErr == nil {
			msg = failed
			e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageUpdated, ChatKey: chat.Key(), ChatMessageID: id})
		}
		return msg, err
	}
	return msg, nil
}

// MarkRead flips incoming messages to read and mails a read receipt.
func (e *Engine) MarkRead(ctx context.Context, chatID models.ChatID, messageIDs []string) error {
	chat, ok := e.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	now := e.now()
	read := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		msg, found := e.Messages.Get(chat.Key(), id)
		if !found {
			return contracts.ErrMessageNotFound
		}
		if msg.Direction != models.DirectionIncoming || msg.Status == models.MessageStatusRead {
			continue
		}
		if _, err := e.Messages.Update(chat.Key(), id, func(m models.Message) (models.Message, error) {
			m.Status = models.MergeMessageStatus(m.Status, models.MessageStatusRead)
			return m, nil
		}); err != nil {
			return err
		}
		read = append(read, id)
		e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageUpdated, ChatKey: chat.Key(), ChatMessageID: id})
	}
	if len(read) == 0 {
		return nil
	}

	receiptID, err := e.newMessageID(now)
	if err != nil {
		return err
	}
	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   receiptID,
		TimestampMs:     now.UnixMilli(),
		System: &contracts.SystemPayload{
			Event:      contracts.SystemUpdateStatus,
			MessageIDs: read,
			Status:     models.MessageStatusRead,
		},
	}
	if chat.IsGroup {
		env.GroupChatID = chat.GroupID
	}
	deliveryID := ""
	if e.NewDeliveryID != nil {
		deliveryID = e.NewDeliveryID()
	}
	return e.enqueue(ctx, e.recipientsOf(chat), env, deliveryID)
}

// DeleteMessages removes messages locally and, when broadcast is set, tells
// the other chat parties to do the same. Broadcasting another member's
// message or wiping the whole chat needs admin rights in a group.
func (e *Engine) DeleteMessages(ctx context.Context, chatID models.ChatID, messageIDs []string, allInChat, broadcast bool) error {
	chat, ok := e.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	var targets []models.Message
	if allInChat {
		targets = e.Messages.ListByChat(chat.Key())
	} else {
		for _, id := range messageIDs {
			msg, found := e.Messages.Get(chat.Key(), id)
			if !found {
				return contracts.ErrMessageNotFound
			}
			targets = append(targets, msg)
		}
	}
	if broadcast && chat.IsGroup && !chat.IsAdmin(e.self()) {
		if allInChat {
			return contracts.ErrNotAdmin
		}
		for _, msg := range targets {
			if msg.Direction != models.DirectionOutgoing {
				return contracts.ErrNotAdmin
			}
		}
	}
	for _, msg := range targets {
		if err := e.Messages.Delete(chat.Key(), msg.ChatMessageID); err != nil {
			return err
		}
		e.ReclaimMessages(ctx, []models.Message{msg})
		e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageDeleted, ChatKey: chat.Key(), ChatMessageID: msg.ChatMessageID})
	}
	if !broadcast {
		return nil
	}

	now := e.now()
	noticeID, err := e.newMessageID(now)
	if err != nil {
		return err
	}
	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   noticeID,
		TimestampMs:     now.UnixMilli(),
		System: &contracts.SystemPayload{
			Event:      contracts.SystemDeleteMessage,
			MessageIDs: messageIDs,
			AllInChat:  allInChat,
		},
	}
	if chat.IsGroup {
		env.GroupChatID = chat.GroupID
	}
	deliveryID := ""
	if e.NewDeliveryID != nil {
		deliveryID = e.NewDeliveryID()
	}
	return e.enqueue(ctx, e.recipientsOf(chat), env, deliveryID)
}

// React sets or clears the local actor's reaction and broadcasts it.
func (e *Engine) React(ctx context.Context, chatID models.ChatID, messageID, reaction string) error {
	chat, ok := e.Chats.Find(chatID.ID)
	if !ok {
		return contracts.ErrChatNotFound
	}
	self := e.self()
	now := e.now()
	if _, err := e.Messages.Update(chat.Key(), messageID, func(m models.Message) (models.Message, error) {
		if m.Reactions == nil {
			m.Reactions = make(map[string]string)
		}
		if reaction == "" {
			delete(m.Reactions, self)
		} else {
			m.Reactions[self] = reaction
		}
		m.History = append(m.History, models.HistoryEntry{
			At:    now,
			Actor: self,
			Kind:  "reaction",
			Value: reaction,
		})
		return m, nil
	}); err != nil {
		return err
	}
	e.notify(contracts.ChangeEvent{Kind: contracts.ChangeMessageUpdated, ChatKey: chat.Key(), ChatMessageID: messageID})

	noticeID, err := e.newMessageID(now)
	if err != nil {
		return err
	}
	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   noticeID,
		TimestampMs:     now.UnixMilli(),
		System: &contracts.SystemPayload{
			Event:      contracts.SystemUpdateReaction,
			MessageIDs: []string{messageID},
			Reaction:   reaction,
		},
	}
	if chat.IsGroup {
		env.GroupChatID = chat.GroupID
	}
	deliveryID := ""
	if e.NewDeliveryID != nil {
		deliveryID = e.NewDeliveryID()
	}
	return e.enqueue(ctx, e.recipientsOf(chat), env, deliveryID)
}
