package runtime

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// NewChatMessageID builds a chat-scoped message id of the form
// floor(unixMillis/100000)-<8 random chars>, loosely time-ordered and
// collision-free within a chat.
func NewChatMessageID(now time.Time) (string, error) {
	suffix, err := randomBase58(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli()/100000, suffix), nil
}

// NewGroupChatToken returns an opaque group chat id. Base58 output can never
// contain '@', which keeps group ids distinguishable from peer addresses.
func NewGroupChatToken() (string, error) {
	return randomBase58(12)
}

// NewDeliveryID identifies one outbound transport delivery.
func NewDeliveryID() string {
	return uuid.NewString()
}

// GeneratePrefixedID returns a prefixed random identifier for internal
// bookkeeping records.
func GeneratePrefixedID(prefix string) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(buf), nil
}

func randomBase58(length int) (string, error) {
	// Base58 encodes ~1.37 chars per byte; over-generate and cut.
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	encoded := base58.Encode(buf)
	for len(encoded) < length {
		more := make([]byte, 4)
		if _, err := rand.Read(more); err != nil {
			return "", err
		}
		encoded += base58.Encode(more)
	}
	return encoded[:length], nil
}
