package wakutransport

import "time"

// mailItem is the JSON envelope carried inside a waku message payload. The
// mailbox illusion is built on top of it: items addressed to us become inbox
// entries, and "removal" is a local tombstone because the relay history is
// append-only.
type mailItem struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	DeliveredMs int64  `json:"deliveredMs"`
	Payload     []byte `json:"payload"`
}

func (m mailItem) deliveredAt() time.Time {
	return time.UnixMilli(m.DeliveredMs).UTC()
}
