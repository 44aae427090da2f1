package runtime

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestNewChatMessageIDShape(t *testing.T) {
	now := time.UnixMilli(1756400000123)
	id, err := NewChatMessageID(now)
	if err != nil {
		t.Fatalf("id generation failed: %v", err)
	}
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		t.Fatalf("id %q has no separator", id)
	}
	prefix, suffix := id[:dash], id[dash+1:]
	n, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		t.Fatalf("prefix %q is not numeric: %v", prefix, err)
	}
	if want := now.UnixMilli() / 100000; n != want {
		t.Fatalf("prefix %d, want %d", n, want)
	}
	if len(suffix) != 8 {
		t.Fatalf("suffix %q is not 8 chars", suffix)
	}
}

func TestNewChatMessageIDLooselyTimeOrdered(t *testing.T) {
	early, err := NewChatMessageID(time.UnixMilli(1_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	late, err := NewChatMessageID(time.UnixMilli(9_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if !(early[:strings.IndexByte(early, '-')] < late[:strings.IndexByte(late, '-')]) {
		t.Fatalf("prefixes not ordered: %q vs %q", early, late)
	}
}

func TestNewGroupChatTokenNeverContainsAt(t *testing.T) {
	for i := 0; i < 64; i++ {
		token, err := NewGroupChatToken()
		if err != nil {
			t.Fatalf("token generation failed: %v", err)
		}
		if strings.Contains(token, "@") {
			t.Fatalf("token %q contains '@'", token)
		}
		if len(token) != 12 {
			t.Fatalf("token %q has unexpected length", token)
		}
	}
}

func TestNewChatMessageIDUniqueness(t *testing.T) {
	now := time.Now()
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		id, err := NewChatMessageID(now)
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
