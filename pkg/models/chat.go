package models

import (
	"errors"
	"strings"
	"time"
)

type ChatStatus string

const (
	// One-to-one: initiated -> on (invite sent, acceptance received), or
	// invited -> on (invite received, acceptance sent).
	ChatStatusInitiated ChatStatus = "initiated"
	ChatStatusInvited   ChatStatus = "invited"
	// Group only: accepted means the local acceptance was sent and the member
	// is waiting for the initiator's relay; partially-on is the initiator's
	// view while acceptances are still outstanding.
	ChatStatusAccepted    ChatStatus = "accepted"
	ChatStatusPartiallyOn ChatStatus = "partially-on"
	ChatStatusOn          ChatStatus = "on"
)

func (s ChatStatus) Valid(isGroup bool) bool {
	switch s {
	case ChatStatusInitiated, ChatStatusInvited, ChatStatusOn:
		return true
	case ChatStatusAccepted, ChatStatusPartiallyOn:
		return isGroup
	default:
		return false
	}
}

var (
	ErrInvalidChatKey      = errors.New("invalid chat key")
	ErrInvalidChatStatus   = errors.New("invalid chat status")
	ErrAdminNotMember      = errors.New("admin address is not a chat member")
	ErrGroupIDContainsAt   = errors.New("group chat id must not contain '@'")
	ErrInvalidMemberRecord = errors.New("invalid member record")
)

// Member is one entry of a group chat's ordered membership. HasAccepted flips
// when the member's acceptance reaches the initiator, or when a relayed
// accepted-set names the address.
type Member struct {
	Address     string `json:"address"`
	HasAccepted bool   `json:"has_accepted"`
}

// ChatSettings is the per-chat policy snapshot stamped onto messages.
// RemovalMs is the auto-delete TTL in milliseconds, 0 keeps messages forever.
type ChatSettings struct {
	RemovalMs int64 `json:"removal_ms"`
}

// Chat is the durable chat record, tagged by IsGroup. One-to-one chats carry
// the peer address pair; group chats carry the ordered member list plus the
// admin set, which must always be a subset of the member addresses.
type Chat struct {
	IsGroup bool `json:"is_group_chat"`

	PeerAddress string `json:"peer_address,omitempty"`
	PeerCAddr   string `json:"peer_c_addr,omitempty"`

	GroupID string   `json:"group_id,omitempty"`
	Members []Member `json:"members,omitempty"`
	Admins  []string `json:"admins,omitempty"`

	Name          string       `json:"name"`
	Status        ChatStatus   `json:"status"`
	Settings      ChatSettings `json:"settings"`
	CreatedAt     time.Time    `json:"created_at"`
	LastUpdatedAt time.Time    `json:"last_updated_at"`
}

// Clone returns a record whose Members and Admins slices share no backing
// array with the receiver, so callers can mutate one without the other.
func (c Chat) Clone() Chat {
	out := c
	if c.Members != nil {
		out.Members = append([]Member(nil), c.Members...)
	}
	if c.Admins != nil {
		out.Admins = append([]string(nil), c.Admins...)
	}
	return out
}

// Key returns the store key: canonical peer address for one-to-one chats,
// the opaque group token for group chats.
func (c Chat) Key() string {
	if c.IsGroup {
		return c.GroupID
	}
	return c.PeerCAddr
}

func (c Chat) ChatID() ChatID {
	return ChatID{IsGroup: c.IsGroup, ID: c.Key()}
}

func (c Chat) MemberIndex(addr string) int {
	want := CanonicalAddress(addr)
	for i, m := range c.Members {
		if CanonicalAddress(m.Address) == want {
			return i
		}
	}
	return -1
}

func (c Chat) HasMember(addr string) bool {
	return c.MemberIndex(addr) >= 0
}

func (c Chat) IsAdmin(addr string) bool {
	return ContainsAddress(c.Admins, addr)
}

// MemberAddresses returns the member addresses in their recorded order.
func (c Chat) MemberAddresses() []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m.Address)
	}
	return out
}

// AcceptedAddresses returns the canonical addresses marked accepted.
func (c Chat) AcceptedAddresses() []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.HasAccepted {
			out = append(out, CanonicalAddress(m.Address))
		}
	}
	return out
}

func (c Chat) AllMembersAccepted() bool {
	for _, m := range c.Members {
		if !m.HasAccepted {
			return false
		}
	}
	return len(c.Members) > 0
}

// ValidateChat centralizes chat record validation. The admin-subset invariant
// is enforced here on every construct and mutate path.
func ValidateChat(c Chat) error {
	if !c.Status.Valid(c.IsGroup) {
		return ErrInvalidChatStatus
	}
	if !c.IsGroup {
		if strings.TrimSpace(c.PeerCAddr) == "" || c.PeerCAddr != CanonicalAddress(c.PeerCAddr) {
			return ErrInvalidChatKey
		}
		return nil
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return ErrInvalidChatKey
	}
	if strings.Contains(c.GroupID, "@") {
		return ErrGroupIDContainsAt
	}
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		caddr := CanonicalAddress(m.Address)
		if caddr == "" {
			return ErrInvalidMemberRecord
		}
		if _, dup := seen[caddr]; dup {
			return ErrInvalidMemberRecord
		}
		seen[caddr] = struct{}{}
	}
	for _, admin := range c.Admins {
		if !c.HasMember(admin) {
			return ErrAdminNotMember
		}
	}
	return nil
}
