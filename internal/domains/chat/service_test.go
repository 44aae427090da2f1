package chat

import (
	"context"
	"errors"
	"testing"

	"mailchat/go-engine/internal/domains/contracts"
	"mailchat/go-engine/internal/platform/runtime"
	"mailchat/go-engine/internal/storage"
	"mailchat/go-engine/pkg/models"
)

type delivery struct {
	from string
	to   []string
	env  contracts.Envelope
}

// testNet routes envelopes between in-memory service instances the way the
// transport would, minus the mailbox.
type testNet struct {
	t        *testing.T
	services map[string]*Service
	queue    []delivery
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{t: t, services: make(map[string]*Service)}
}

func (n *testNet) add(addr string) *Service {
	caddr := models.CanonicalAddress(addr)
	chats, err := storage.NewChatStore("", "")
	if err != nil {
		n.t.Fatalf("chat store: %v", err)
	}
	messages, err := storage.NewMessageStore("", "")
	if err != nil {
		n.t.Fatalf("message store: %v", err)
	}
	svc := &Service{
		Self:         addr,
		Chats:        chats,
		Messages:     messages,
		NewMessageID: runtime.NewChatMessageID,
		NewGroupID:   runtime.NewGroupChatToken,
	}
	svc.Send = func(_ context.Context, recipients []string, env contracts.Envelope) error {
		n.queue = append(n.queue, delivery{from: caddr, to: recipients, env: env})
		return nil
	}
	n.services[caddr] = svc
	return svc
}

// pump delivers queued envelopes until the network is quiet.
func (n *testNet) pump() {
	ctx := context.Background()
	for len(n.queue) > 0 {
		d := n.queue[0]
		n.queue = n.queue[1:]
		for _, recipient := range d.to {
			svc, ok := n.services[models.CanonicalAddress(recipient)]
			if !ok {
				continue
			}
			var err error
			switch d.env.ChatMessageType {
			case contracts.WireKindInvitation:
				if d.env.Invitation.Kind == contracts.InvitationInvite {
					err = svc.HandleInvite(ctx, d.from, d.env)
				} else {
					err = svc.HandleAccept(ctx, d.from, d.env)
				}
			case contracts.WireKindSystem:
				switch d.env.System.Event {
				case contracts.SystemUpdateMembers:
					err = svc.ApplyMembersUpdate(ctx, d.from, d.env)
				case contracts.SystemUpdateChatName:
					err = svc.ApplyChatName(ctx, d.from, d.env)
				case contracts.SystemUpdateSettings:
					err = svc.ApplySettings(ctx, d.from, d.env)
				case contracts.SystemMemberRemoved:
					err = svc.ApplyMemberRemoved(ctx, d.from, d.env)
				case contracts.SystemMemberLeft:
					err = svc.ApplyMemberLeft(ctx, d.from, d.env)
				}
			}
			if err != nil {
				n.t.Fatalf("handler for %s at %s: %v", d.env.ChatMessageType, recipient, err)
			}
		}
	}
}

func mustChat(t *testing.T, svc *Service, key string) models.Chat {
	t.Helper()
	chat, ok := svc.Chats.Find(key)
	if !ok {
		t.Fatalf("chat %q missing at %s", key, svc.Self)
	}
	return chat
}

func TestOtoChatCanonicalEquivalence(t *testing.T) {
	net := newTestNet(t)
	alice := net.add("alice@example.org")
	net.add("bob@example.com")

	created, err := alice.CreateOtoChat(context.Background(), "Bob@Example.com", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.PeerCAddr != "bob@example.com" {
		t.Fatalf("peer not canonicalized: %q", created.PeerCAddr)
	}
	if _, err := alice.CreateOtoChat(context.Background(), "bob@example.com ", ""); !errors.Is(err, contracts.ErrChatAlreadyExists) {
		t.Fatalf("canonical-equal peer should collide, got %v", err)
	}
	net.pump()

	bob := net.services["bob@example.com"]
	chat := mustChat(t, bob, "alice@example.org")
	if chat.Status != models.ChatStatusInvited {
		t.Fatalf("invitee status: %v", chat.Status)
	}
	if err := bob.AcceptInvitation(context.Background(), chat.ChatID()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	net.pump()

	if got := mustChat(t, bob, "alice@example.org").Status; got != models.ChatStatusOn {
		t.Fatalf("invitee should be on, got %v", got)
	}
	if got := mustChat(t, alice, "bob@example.com").Status; got != models.ChatStatusOn {
		t.Fatalf("initiator should be on, got %v", got)
	}
}

func TestGroupConvergenceThreeMembers(t *testing.T) {
	net := newTestNet(t)
	a := net.add("a@example.org")
	bAddr, cAddr := "b@example.org", "c@example.org"
	b := net.add(bAddr)
	c := net.add(cAddr)

	created, err := a.CreateGroupChat(context.Background(), "trio", []string{bAddr, cAddr}, nil, models.ChatSettings{})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	key := created.Key()
	net.pump()

	// B accepts first: A trends partially-on, B is on because A's own entry
	// arrived already accepted in the invite.
	if err := b.AcceptInvitation(context.Background(), created.ChatID()); err != nil {
		t.Fatalf("b accept: %v", err)
	}
	net.pump()
	if got := mustChat(t, a, key).Status; got != models.ChatStatusPartiallyOn {
		t.Fatalf("initiator after first acceptance: %v", got)
	}
	if got := mustChat(t, b, key).Status; got != models.ChatStatusOn {
		t.Fatalf("first acceptor: %v", got)
	}
	if got := mustChat(t, c, key).Status; got != models.ChatStatusInvited {
		t.Fatalf("pending invitee should stay invited, got %v", got)
	}

	if err := c.AcceptInvitation(context.Background(), created.ChatID()); err != nil {
		t.Fatalf("c accept: %v", err)
	}
	net.pump()

	for name, svc := range map[string]*Service{"a": a, "b": b, "c": c} {
		chat := mustChat(t, svc, key)
		if chat.Status != models.ChatStatusOn {
			t.Fatalf("%s not converged: %v", name, chat.Status)
		}
		if !chat.AllMembersAccepted() {
			t.Fatalf("%s accepted-set incomplete: %+v", name, chat.Members)
		}
	}
}

func TestAcceptInvitationTwice(t *testing.T) {
	net := newTestNet(t)
	alice := net.add("alice@example.org")
	bob := net.add("bob@example.org")
	if _, err := alice.CreateOtoChat(context.Background(), "bob@example.org", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	net.pump()

	chatID := models.OtoChatID("alice@example.org")
	if err := bob.AcceptInvitation(context.Background(), chatID); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := bob.AcceptInvitation(context.Background(), chatID); !errors.Is(err, contracts.ErrInvitationNotFound) {
		t.Fatalf("second accept should fail with invitation-not-found, got %v", err)
	}
}

func TestStaleDuplicateInviteDiscarded(t *testing.T) {
	net := newTestNet(t)
	alice := net.add("alice@example.org")
	bob := net.add("bob@example.org")
	if _, err := alice.CreateOtoChat(context.Background(), "bob@example.org", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	invite := net.queue[0]
	net.pump()

	chat := mustChat(t, bob, "alice@example.org")
	if err := bob.AcceptInvitation(context.Background(), chat.ChatID()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	net.pump()

	// A delayed duplicate of the original invite must not reset the chat.
	if err := bob.HandleInvite(context.Background(), invite.from, invite.env); err != nil {
		t.Fatalf("replayed invite: %v", err)
	}
	if got := mustChat(t, bob, "alice@example.org").Status; got != models.ChatStatusOn {
		t.Fatalf("stale invite regressed status to %v", got)
	}
}

func TestDeleteChatSoleAdminPrecondition(t *testing.T) {
	net := newTestNet(t)
	a := net.add("a@example.org")
	net.add("b@example.org")
	net.add("c@example.org")

	created, err := a.CreateGroupChat(context.Background(), "trio", []string{"b@example.org", "c@example.org"}, nil, models.ChatSettings{})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	net.pump()

	if err := a.DeleteChat(context.Background(), created.ChatID()); !errors.Is(err, contracts.ErrChatWithMembers) {
		t.Fatalf("sole admin delete with members should fail, got %v", err)
	}
	if err := a.RemoveMember(context.Background(), created.ChatID(), "b@example.org"); err != nil {
		t.Fatalf("remove b: %v", err)
	}
	if err := a.RemoveMember(context.Background(), created.ChatID(), "c@example.org"); err != nil {
		t.Fatalf("remove c: %v", err)
	}
	if err := a.DeleteChat(context.Background(), created.ChatID()); err != nil {
		t.Fatalf("delete after emptying: %v", err)
	}
	net.pump()

	if _, ok := a.Chats.Find(created.Key()); ok {
		t.Fatalf("chat still present after delete")
	}
	// The removed members saw a member-removed notice and dropped their copies.
	if _, ok := net.services["b@example.org"].Chats.Find(created.Key()); ok {
		t.Fatalf("removed member still holds the chat")
	}
}

func TestLeaveChat(t *testing.T) {
	net := newTestNet(t)
	a := net.add("a@example.org")
	b := net.add("b@example.org")
	net.add("c@example.org")

	created, err := a.CreateGroupChat(context.Background(), "trio", []string{"b@example.org", "c@example.org"}, nil, models.ChatSettings{})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	net.pump()

	if err := a.LeaveChat(context.Background(), created.ChatID()); !errors.Is(err, contracts.ErrLastAdmin) {
		t.Fatalf("sole admin leave should fail, got %v", err)
	}

	if err := b.LeaveChat(context.Background(), created.ChatID()); err != nil {
		t.Fatalf("member leave: %v", err)
	}
	net.pump()

	if _, ok := b.Chats.Find(created.Key()); ok {
		t.Fatalf("leaver still holds the chat")
	}
	remaining := mustChat(t, a, created.Key())
	if remaining.HasMember("b@example.org") {
		t.Fatalf("departed member still in roster: %+v", remaining.Members)
	}
}

func TestNonAdminMutationsDropped(t *testing.T) {
	net := newTestNet(t)
	a := net.add("a@example.org")
	b := net.add("b@example.org")
	net.add("c@example.org")

	created, err := a.CreateGroupChat(context.Background(), "trio", []string{"b@example.org", "c@example.org"}, nil, models.ChatSettings{})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	net.pump()

	if err := b.RenameChat(context.Background(), created.ChatID(), "hijacked"); !errors.Is(err, contracts.ErrNotAdmin) {
		t.Fatalf("non-admin rename should fail, got %v", err)
	}

	// A forged rename arriving over the wire from a non-admin is silently dropped.
	env := contracts.Envelope{
		V:               contracts.WireVersion,
		ChatMessageType: contracts.WireKindSystem,
		ChatMessageID:   "msg-1",
		GroupChatID:     created.Key(),
		System:          &contracts.SystemPayload{Event: contracts.SystemUpdateChatName, ChatName: "hijacked"},
	}
	if err := a.ApplyChatName(context.Background(), "b@example.org", env); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := mustChat(t, a, created.Key()).Name; got != "trio" {
		t.Fatalf("non-admin rename applied: %q", got)
	}
}

func TestAddMemberFaults(t *testing.T) {
	net := newTestNet(t)
	a := net.add("a@example.org")
	net.add("b@example.org")

	created, err := a.CreateGroupChat(context.Background(), "duo", []string{"b@example.org"}, nil, models.ChatSettings{})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	net.pump()

	if err := a.AddMembers(context.Background(), created.ChatID(), []string{"B@Example.org"}); !errors.Is(err, contracts.ErrAlreadyChatMember) {
		t.Fatalf("re-adding member should fail, got %v", err)
	}
	if err := a.RemoveMember(context.Background(), created.ChatID(), "x@example.org"); !errors.Is(err, contracts.ErrNotChatMember) {
		t.Fatalf("removing stranger should fail, got %v", err)
	}
	oto, err := a.CreateOtoChat(context.Background(), "d@example.org", "")
	if err != nil {
		t.Fatalf("create oto: %v", err)
	}
	if err := a.AddMembers(context.Background(), oto.ChatID(), []string{"e@example.org"}); !errors.Is(err, contracts.ErrNotGroupChat) {
		t.Fatalf("adding to oto chat should fail, got %v", err)
	}
}

func TestRosterFiltersLeaveInputUntouched(t *testing.T) {
	members := []models.Member{
		{Address: "admin@example.org", HasAccepted: true},
		{Address: "a@example.org", HasAccepted: true},
		{Address: "b@example.org"},
	}
	out := dropMember(members, "a@example.org")
	if len(out) != 2 || out[1].Address != "b@example.org" {
		t.Fatalf("filtered roster wrong: %+v", out)
	}
	if len(members) != 3 || members[1].Address != "a@example.org" || members[2].Address != "b@example.org" {
		t.Fatalf("input roster mutated: %+v", members)
	}

	admins := []string{"admin@example.org", "a@example.org"}
	kept := dropAddress(admins, "a@example.org")
	if len(kept) != 1 || admins[1] != "a@example.org" {
		t.Fatalf("input admins mutated: kept=%v admins=%v", kept, admins)
	}
}
