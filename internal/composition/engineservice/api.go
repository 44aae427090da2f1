package engineservice

import (
	"context"
	"sort"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/pkg/models"
)

// Address returns the canonical local address the engine runs as.
func (s *Service) Address() string {
	return s.self
}

func (s *Service) CreateOtoChat(ctx context.Context, peerAddr, name string) (models.Chat, error) {
	return s.chatSvc.CreateOtoChat(ctx, peerAddr, name)
}

func (s *Service) CreateGroupChat(ctx context.Context, name string, members, admins []string, settings models.ChatSettings) (models.Chat, error) {
	return s.chatSvc.CreateGroupChat(ctx, name, members, admins, settings)
}

func (s *Service) AcceptInvitation(ctx context.Context, chatID models.ChatID) error {
	return s.chatSvc.AcceptInvitation(ctx, chatID)
}

func (s *Service) RenameChat(ctx context.Context, chatID models.ChatID, name string) error {
	return s.chatSvc.RenameChat(ctx, chatID, name)
}

func (s *Service) UpdateChatSettings(ctx context.Context, chatID models.ChatID, settings models.ChatSettings) error {
	return s.chatSvc.UpdateSettings(ctx, chatID, settings)
}

func (s *Service) AddMembers(ctx context.Context, chatID models.ChatID, addrs []string) error {
	return s.chatSvc.AddMembers(ctx, chatID, addrs)
}

func (s *Service) RemoveMember(ctx context.Context, chatID models.ChatID, addr string) error {
	return s.chatSvc.RemoveMember(ctx, chatID, addr)
}

func (s *Service) UpdateAdmins(ctx context.Context, chatID models.ChatID, admins []string) error {
	return s.chatSvc.UpdateAdmins(ctx, chatID, admins)
}

func (s *Service) DeleteChat(ctx context.Context, chatID models.ChatID) error {
	return s.chatSvc.DeleteChat(ctx, chatID)
}

func (s *Service) LeaveChat(ctx context.Context, chatID models.ChatID) error {
	return s.chatSvc.LeaveChat(ctx, chatID)
}

func (s *Service) SendMessage(ctx context.Context, chatID models.ChatID, body string, attachments []models.Attachment, related *models.RelatedRef) (models.Message, error) {
	return s.engine.SendMessage(ctx, chatID, body, attachments, related)
}

func (s *Service) MarkRead(ctx context.Context, chatID models.ChatID, messageIDs []string) error {
	return s.engine.MarkRead(ctx, chatID, messageIDs)
}

func (s *Service) DeleteMessages(ctx context.Context, chatID models.ChatID, messageIDs []string, allInChat, broadcast bool) error {
	return s.engine.DeleteMessages(ctx, chatID, messageIDs, allInChat, broadcast)
}

func (s *Service) React(ctx context.Context, chatID models.ChatID, messageID, reaction string) error {
	return s.engine.React(ctx, chatID, messageID, reaction)
}

// ChatSummary is one chat-list row: the record plus the derived list fields.
type ChatSummary struct {
	Chat        models.Chat
	UnreadCount int
	Latest      *models.Message
}

// Chats lists all chats newest-activity first.
func (s *Service) Chats() []ChatSummary {
	records := s.chats.List()
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastUpdatedAt.After(records[j].LastUpdatedAt)
	})
	out := make([]ChatSummary, 0, len(records))
	for _, c := range records {
		summary := ChatSummary{Chat: c, UnreadCount: s.messages.UnreadCount(c.Key())}
		if latest, ok := s.messages.Latest(c.Key()); ok {
			summary.Latest = &latest
		}
		out = append(out, summary)
	}
	return out
}

func (s *Service) ChatByID(chatID models.ChatID) (models.Chat, bool) {
	return s.chats.Find(chatID.ID)
}

// Messages lists a chat's records in timestamp order.
func (s *Service) Messages(chatID models.ChatID) []models.Message {
	return s.messages.ListByChat(chatID.ID)
}

// RelatedMessage resolves a reply/forward reference lazily; a missing target
// reports false so callers render a "not found" marker.
func (s *Service) RelatedMessage(msg models.Message) (models.Message, bool) {
	return s.engine.RelatedMessage(msg)
}

func (s *Service) SaveFileLink(link contracts.FileLink) (string, error) {
	return s.files.SaveLink(link)
}

func (s *Service) FileLink(id string) (contracts.FileLink, bool, error) {
	return s.files.GetLink(id)
}

// FetchInboxAttachment re-reads a retained mailbox item so an attachment can
// be fetched lazily after the message itself was processed.
func (s *Service) FetchInboxAttachment(ctx context.Context, msg models.Message) (contracts.InboundItem, bool, error) {
	if msg.InboxItemID == "" {
		return contracts.InboundItem{}, false, nil
	}
	return s.transport.FetchInboxItem(ctx, msg.InboxItemID)
}
