package contracts

type ChangeKind string

const (
	ChangeChatUpdated    ChangeKind = "chat-updated"
	ChangeChatDeleted    ChangeKind = "chat-deleted"
	ChangeMessageAdded   ChangeKind = "message-added"
	ChangeMessageUpdated ChangeKind = "message-updated"
	ChangeMessageDeleted ChangeKind = "message-deleted"
)

// ChangeEvent is the view-level notification emitted after a store mutation;
// UI/IPC layers subscribe to it instead of polling the stores.
type ChangeEvent struct {
	Kind          ChangeKind
	ChatKey       string
	ChatMessageID string
}
