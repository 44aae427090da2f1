package models

import "strings"

// CanonicalAddress reduces an address to its comparison form: whitespace is
// stripped from the local part and the whole address is lower-cased.
// Addresses are equivalent iff their canonical forms match.
func CanonicalAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return strings.ToLower(stripSpace(addr))
	}
	local := stripSpace(addr[:at])
	domain := strings.TrimSpace(addr[at+1:])
	return strings.ToLower(local + "@" + domain)
}

func stripSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AddressesEqual compares two addresses in canonical form.
func AddressesEqual(a, b string) bool {
	return CanonicalAddress(a) == CanonicalAddress(b)
}

// ContainsAddress reports whether list contains addr under canonicalization.
func ContainsAddress(list []string, addr string) bool {
	want := CanonicalAddress(addr)
	for _, candidate := range list {
		if CanonicalAddress(candidate) == want {
			return true
		}
	}
	return false
}

// ChatID identifies a chat. One-to-one ids are the canonical peer address;
// group ids are opaque random tokens that never contain '@', which is how
// incoming envelopes are disambiguated without a separate flag.
type ChatID struct {
	IsGroup bool   `json:"is_group_chat"`
	ID      string `json:"chat_id"`
}

func OtoChatID(peerAddr string) ChatID {
	return ChatID{IsGroup: false, ID: CanonicalAddress(peerAddr)}
}

func GroupChatID(token string) ChatID {
	return ChatID{IsGroup: true, ID: strings.TrimSpace(token)}
}
