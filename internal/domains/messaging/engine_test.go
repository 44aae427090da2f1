package messaging

import (
	"context"
	"testing"
	"time"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/internal/platform/runtime"
	"mailchat/go-engine/internal/storage"
	"mailchat/go-engine/pkg/models"
)

type sentEnvelope struct {
	recipients []string
	env        contracts.Envelope
	deliveryID string
}

type fakeFileLinks struct {
	deleted []string
}

func (f *fakeFileLinks) SaveLink(link contracts.FileLink) (string, error) { return link.ID, nil }
func (f *fakeFileLinks) GetLink(id string) (contracts.FileLink, bool, error) {
	return contracts.FileLink{}, false, nil
}
func (f *fakeFileLinks) DeleteLink(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type engineFixture struct {
	engine    *Engine
	sent      []sentEnvelope
	discarded []string
	completed []string
	files     *fakeFileLinks
}

func newEngineFixture(t *testing.T, self string) *engineFixture {
	t.Helper()
	chats, err := storage.NewChatStore("", "")
	if err != nil {
		t.Fatalf("chat store: %v", err)
	}
	messages, err := storage.NewMessageStore("", "")
	if err != nil {
		t.Fatalf("message store: %v", err)
	}
	f := &engineFixture{files: &fakeFileLinks{}}
	f.engine = &Engine{
		Self:         self,
		Chats:        chats,
		Messages:     messages,
		Files:        f.files,
		NewMessageID: runtime.NewChatMessageID,
		NewDeliveryID: func() string {
			return runtime.NewDeliveryID()
		},
	}
	f.engine.Enqueue = func(_ context.Context, recipients []string, env contracts.Envelope, deliveryID string) error {
		f.sent = append(f.sent, sentEnvelope{recipients: recipients, env: env, deliveryID: deliveryID})
		return nil
	}
	f.engine.DiscardInbox = func(_ context.Context, id string) error {
		f.discarded = append(f.discarded, id)
		return nil
	}
	f.engine.CompleteDelivery = func(_ context.Context, id string) error {
		f.completed = append(f.completed, id)
		return nil
	}
	return f
}

func (f *engineFixture) addOtoChat(t *testing.T, peer string) models.Chat {
	t.Helper()
	chat := models.Chat{
		IsGroup:       false,
		PeerAddress:   peer,
		PeerCAddr:     models.CanonicalAddress(peer),
		Name:          peer,
		Status:        models.ChatStatusOn,
		CreatedAt:     time.Now(),
		LastUpdatedAt: time.Now(),
	}
	if err := f.engine.Chats.Add(chat); err != nil {
		t.Fatalf("add chat: %v", err)
	}
	return chat
}

func (f *engineFixture) addGroupChat(t *testing.T, id string, admins []string, members ...string) models.Chat {
	t.Helper()
	recorded := make([]models.Member, 0, len(members))
	for _, m := range members {
		recorded = append(recorded, models.Member{Address: m, HasAccepted: true})
	}
	chat := models.Chat{
		IsGroup:       true,
		GroupID:       id,
		Members:       recorded,
		Admins:        admins,
		Name:          "group-" + id,
		Status:        models.ChatStatusOn,
		CreatedAt:     time.Now(),
		LastUpdatedAt: time.Now(),
	}
	if err := f.engine.Chats.Add(chat); err != nil {
		t.Fatalf("add group chat: %v", err)
	}
	return chat
}

func regularItem(t *testing.T, sender, groupID, messageID, body string, attachments ...models.Attachment) contracts.InboundItem {
	t.Helper()
	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindRegular,
		ChatMessageID:   messageID,
		GroupChatID:     groupID,
		TimestampMs:     time.Now().UnixMilli(),
		Regular:         &contracts.RegularPayload{Body: body, Attachments: attachments},
	}
	payload, err := contracts.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return contracts.InboundItem{ID: "inbox-" + messageID, Sender: sender, Payload: payload}
}

func TestIncomingRegularMessageIdempotent(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	f.addOtoChat(t, "peer@example.org")
	item := regularItem(t, "Peer@Example.org", "", "100-abc", "hello")

	retain, err := f.engine.Apply(context.Background(), item)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if retain {
		t.Fatalf("plain message should not retain the inbox item")
	}
	msg, ok := f.engine.Messages.Get("peer@example.org", "100-abc")
	if !ok {
		t.Fatalf("message not recorded")
	}
	if msg.Status != models.MessageStatusUnread {
		t.Fatalf("incoming status: %v", msg.Status)
	}
	if len(f.sent) != 1 || f.sent[0].env.System.Status != models.MessageStatusSent {
		t.Fatalf("received ack not emitted: %+v", f.sent)
	}

	// Replaying the identical item must neither duplicate nor re-ack.
	if _, err := f.engine.Apply(context.Background(), item); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := len(f.engine.Messages.ListByChat("peer@example.org")); got != 1 {
		t.Fatalf("replay duplicated message: %d records", got)
	}
	if len(f.sent) != 1 {
		t.Fatalf("replay re-emitted ack")
	}
}

func TestIncomingWithAttachmentsRetainsInboxItem(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	f.addOtoChat(t, "peer@example.org")
	item := regularItem(t, "peer@example.org", "", "101-def", "photo", models.Attachment{Name: "cat.png", Size: 42})

	retain, err := f.engine.Apply(context.Background(), item)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !retain {
		t.Fatalf("attachment-bearing message must retain the inbox item")
	}
	msg, _ := f.engine.Messages.Get("peer@example.org", "101-def")
	if msg.InboxItemID != item.ID {
		t.Fatalf("inbox ref not recorded: %q", msg.InboxItemID)
	}
}

func TestUnknownChatDropped(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	item := regularItem(t, "stranger@example.org", "", "102-xyz", "hi")

	retain, err := f.engine.Apply(context.Background(), item)
	if err != nil || retain {
		t.Fatalf("unknown chat should drop silently, retain=%v err=%v", retain, err)
	}
	if got := len(f.engine.Messages.ListByChat("stranger@example.org")); got != 0 {
		t.Fatalf("message recorded for unknown chat")
	}
}

func TestMalformedEnvelopeDiscarded(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	retain, err := f.engine.Apply(context.Background(), contracts.InboundItem{ID: "x", Sender: "a@b", Payload: []byte("{not json")})
	if err != nil || retain {
		t.Fatalf("malformed input should be discarded, retain=%v err=%v", retain, err)
	}
}

func TestStatusUpdateNeverRegressesRead(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	chat := f.addOtoChat(t, "peer@example.org")
	msg := models.Message{
		ChatMessageID: "103-aaa",
		OtoPeerCAddr:  chat.PeerCAddr,
		Direction:     models.DirectionOutgoing,
		Kind:          models.MessageKindRegular,
		Body:          "sent earlier",
		Status:        models.MessageStatusRead,
		Timestamp:     time.Now(),
	}
	if err := f.engine.Messages.Add(msg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   "104-bbb",
		System: &contracts.SystemPayload{
			Event:      contracts.SystemUpdateStatus,
			MessageIDs: []string{"103-aaa"},
			Status:     models.MessageStatusSent,
		},
	}
	payload, _ := contracts.EncodeEnvelope(env)
	if _, err := f.engine.Apply(context.Background(), contracts.InboundItem{ID: "i", Sender: "peer@example.org", Payload: payload}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := f.engine.Messages.Get(chat.PeerCAddr, "103-aaa")
	if got.Status != models.MessageStatusRead {
		t.Fatalf("late sent receipt regressed read to %v", got.Status)
	}
}

func TestStatusUpdateIgnoresIncomingMessages(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	chat := f.addOtoChat(t, "peer@example.org")
	msg := models.Message{
		ChatMessageID: "103-ccc",
		OtoPeerCAddr:  chat.PeerCAddr,
		Direction:     models.DirectionIncoming,
		Kind:          models.MessageKindRegular,
		Body:          "still unread here",
		Status:        models.MessageStatusUnread,
		Timestamp:     time.Now(),
	}
	if err := f.engine.Messages.Add(msg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   "104-ddd",
		System: &contracts.SystemPayload{
			Event:      contracts.SystemUpdateStatus,
			MessageIDs: []string{"103-ccc"},
			Status:     models.MessageStatusRead,
		},
	}
	payload, _ := contracts.EncodeEnvelope(env)
	if _, err := f.engine.Apply(context.Background(), contracts.InboundItem{ID: "i", Sender: "peer@example.org", Payload: payload}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := f.engine.Messages.Get(chat.PeerCAddr, "103-ccc")
	if got.Status != models.MessageStatusUnread {
		t.Fatalf("peer receipt moved incoming message to %v", got.Status)
	}
	if len(got.History) != 0 {
		t.Fatalf("peer receipt left history on incoming message: %+v", got.History)
	}
}

func TestOutgoingDeliveryLifecycle(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	chat := f.addOtoChat(t, "peer@example.org")

	msg, err := f.engine.SendMessage(context.Background(), chat.ChatID(), "hi there", nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Status != models.MessageStatusSending {
		t.Fatalf("fresh outgoing status: %v", msg.Status)
	}
	if len(f.sent) != 1 {
		t.Fatalf("envelope not enqueued")
	}
	deliveryID := f.sent[0].deliveryID

	events := []contracts.ProgressEvent{
		{DeliveryID: deliveryID, Recipient: "peer@example.org"},
		{DeliveryID: deliveryID, AllDone: contracts.AllDoneOK},
		// Duplicate terminal signal must not repeat the completion side-effect.
		{DeliveryID: deliveryID, AllDone: contracts.AllDoneOK},
	}
	for _, ev := range events {
		if err := f.engine.HandleProgress(context.Background(), ev); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}
	got, _ := f.engine.Messages.Get(chat.PeerCAddr, msg.ChatMessageID)
	if got.Status != models.MessageStatusSent {
		t.Fatalf("terminal status: %v", got.Status)
	}
	if len(f.completed) != 1 || f.completed[0] != deliveryID {
		t.Fatalf("completion side-effect not exactly once: %v", f.completed)
	}
}

func TestOutgoingDeliveryFailure(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	chat := f.addOtoChat(t, "peer@example.org")
	msg, err := f.engine.SendMessage(context.Background(), chat.ChatID(), "hi", nil, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	deliveryID := f.sent[0].deliveryID

	_ = f.engine.HandleProgress(context.Background(), contracts.ProgressEvent{DeliveryID: deliveryID, Recipient: "peer@example.org", Failed: true})
	_ = f.engine.HandleProgress(context.Background(), contracts.ProgressEvent{DeliveryID: deliveryID, AllDone: contracts.AllDoneWithErrors})

	got, _ := f.engine.Messages.Get(chat.PeerCAddr, msg.ChatMessageID)
	if got.Status != models.MessageStatusError {
		t.Fatalf("failed delivery status: %v", got.Status)
	}
}

func TestDeleteMessageAuthorizationAndReclaim(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	chat := f.addGroupChat(t, "grp1", []string{"admin@example.org"}, "me@example.org", "admin@example.org", "other@example.org", "mallory@example.org")

	msg := models.Message{
		ChatMessageID: "105-ccc",
		GroupChatID:   chat.GroupID,
		Sender:        "other@example.org",
		Direction:     models.DirectionIncoming,
		Kind:          models.MessageKindRegular,
		Body:          "with file",
		Attachments:   []models.Attachment{{Name: "doc.pdf", Size: 7, LinkID: "link-1"}},
		Status:        models.MessageStatusUnread,
		Timestamp:     time.Now(),
		InboxItemID:   "inbox-105",
	}
	if err := f.engine.Messages.Add(msg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	del := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   "106-ddd",
		GroupChatID:     chat.GroupID,
		System: &contracts.SystemPayload{
			Event:      contracts.SystemDeleteMessage,
			MessageIDs: []string{"105-ccc"},
		},
	}
	payload, _ := contracts.EncodeEnvelope(del)

	// A non-admin member deleting someone else's message is dropped.
	if _, err := f.engine.Apply(context.Background(), contracts.InboundItem{ID: "i1", Sender: "mallory@example.org", Payload: payload}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := f.engine.Messages.Get(chat.GroupID, "105-ccc"); !ok {
		t.Fatalf("unauthorized delete was applied")
	}

	if _, err := f.engine.Apply(context.Background(), contracts.InboundItem{ID: "i2", Sender: "admin@example.org", Payload: payload}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := f.engine.Messages.Get(chat.GroupID, "105-ccc"); ok {
		t.Fatalf("admin delete not applied")
	}
	if len(f.files.deleted) != 1 || f.files.deleted[0] != "link-1" {
		t.Fatalf("attachment link not reclaimed: %v", f.files.deleted)
	}
	if len(f.discarded) != 1 || f.discarded[0] != "inbox-105" {
		t.Fatalf("inbox entry not reclaimed: %v", f.discarded)
	}
}

func TestReactionApplyIdempotent(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	chat := f.addOtoChat(t, "peer@example.org")
	if err := f.engine.Messages.Add(models.Message{
		ChatMessageID: "107-eee",
		OtoPeerCAddr:  chat.PeerCAddr,
		Direction:     models.DirectionOutgoing,
		Kind:          models.MessageKindRegular,
		Body:          "react to me",
		Status:        models.MessageStatusSent,
		Timestamp:     time.Now(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   "108-fff",
		System: &contracts.SystemPayload{
			Event:      contracts.SystemUpdateReaction,
			MessageIDs: []string{"107-eee"},
			Reaction:   "👍",
		},
	}
	payload, _ := contracts.EncodeEnvelope(env)
	for i := 0; i < 2; i++ {
		if _, err := f.engine.Apply(context.Background(), contracts.InboundItem{ID: "i", Sender: "peer@example.org", Payload: payload}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	got, _ := f.engine.Messages.Get(chat.PeerCAddr, "107-eee")
	if got.Reactions["peer@example.org"] != "👍" {
		t.Fatalf("reaction not applied: %v", got.Reactions)
	}
	if len(got.History) != 1 {
		t.Fatalf("replayed reaction duplicated history: %d entries", len(got.History))
	}
}

func TestSweepExpired(t *testing.T) {
	f := newEngineFixture(t, "me@example.org")
	chat := f.addOtoChat(t, "peer@example.org")
	old := time.Now().Add(-time.Hour)
	if err := f.engine.Messages.Add(models.Message{
		ChatMessageID: "109-ggg",
		OtoPeerCAddr:  chat.PeerCAddr,
		Direction:     models.DirectionIncoming,
		Kind:          models.MessageKindRegular,
		Body:          "ephemeral",
		Status:        models.MessageStatusUnread,
		Timestamp:     old,
		RemovalMs:     int64(time.Minute / time.Millisecond),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	f.engine.SweepExpired(context.Background(), time.Now())
	if _, ok := f.engine.Messages.Get(chat.PeerCAddr, "109-ggg"); ok {
		t.Fatalf("expired message survived sweep")
	}
}
