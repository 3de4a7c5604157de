package store

import (
	"errors"
	"testing"

	"github.com/parley-im/parley/internal/proto"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndListBothDirections(t *testing.T) {
	db := openTestDB(t)

	m1, err := db.CreateMessage("alice", proto.PeerConv("bob"), NewMessage{Text: "hi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m2, err := db.CreateMessage("bob", proto.PeerConv("alice"), NewMessage{Text: "hey"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Both parties see the same conversation, both directions included.
	for _, view := range []struct{ user, peer string }{{"alice", "bob"}, {"bob", "alice"}} {
		msgs, err := db.ListMessages(view.user, proto.PeerConv(view.peer))
		if err != nil {
			t.Fatalf("list as %s: %v", view.user, err)
		}
		if len(msgs) != 2 || msgs[0].ID != m1.ID || msgs[1].ID != m2.ID {
			t.Fatalf("list as %s = %+v, want [%s %s]", view.user, msgs, m1.ID, m2.ID)
		}
	}
}

func TestCreateRejectsEmptyPayload(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateMessage("alice", proto.PeerConv("bob"), NewMessage{}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("create empty = %v, want ErrEmpty", err)
	}
}

func TestMarkSeenIdempotentAndExcludesSender(t *testing.T) {
	db := openTestDB(t)
	m, err := db.CreateMessage("alice", proto.PeerConv("bob"), NewMessage{Text: "hi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Sender marking its own message is a no-op.
	if err := db.MarkSeen("alice", []string{m.ID}); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	got, _ := db.GetMessage(m.ID)
	if got.Seen {
		t.Fatal("sender counted as viewer of own message")
	}

	for i := 0; i < 3; i++ {
		if err := db.MarkSeen("bob", []string{m.ID}); err != nil {
			t.Fatalf("mark seen: %v", err)
		}
	}
	got, _ = db.GetMessage(m.ID)
	if !got.Seen {
		t.Fatal("message not marked seen")
	}

	// Unknown ids are skipped, not errors.
	if err := db.MarkSeen("bob", []string{"no-such-id"}); err != nil {
		t.Fatalf("mark seen unknown id: %v", err)
	}
}

func TestGroupSeenBy(t *testing.T) {
	db := openTestDB(t)
	m, err := db.CreateMessage("alice", proto.GroupConv("g1"), NewMessage{Text: "hi all"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, viewer := range []string{"bob", "carol", "bob", "alice"} {
		if err := db.MarkSeen(viewer, []string{m.ID}); err != nil {
			t.Fatalf("mark seen by %s: %v", viewer, err)
		}
	}

	got, _ := db.GetMessage(m.ID)
	if len(got.SeenBy) != 2 || got.SeenBy[0] != "bob" || got.SeenBy[1] != "carol" {
		t.Fatalf("seen_by = %v, want [bob carol] in first-seen order", got.SeenBy)
	}
	if got.SeenByOthers() != 2 {
		t.Fatalf("seen-by count = %d, want 2", got.SeenByOthers())
	}
}

func TestEditMessageSenderOnly(t *testing.T) {
	db := openTestDB(t)
	m, err := db.CreateMessage("alice", proto.PeerConv("bob"), NewMessage{Text: "original"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := db.EditMessage("bob", m.ID, "hijacked"); !errors.Is(err, ErrNotSender) {
		t.Fatalf("edit by non-sender = %v, want ErrNotSender", err)
	}
	if _, err := db.EditMessage("alice", "no-such-id", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("edit missing = %v, want ErrNotFound", err)
	}

	edited, err := db.EditMessage("alice", m.ID, "fixed")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Text != "fixed" || !edited.Edited {
		t.Fatalf("edited = %+v, want text fixed and edited flag", edited)
	}

	got, _ := db.GetMessage(m.ID)
	if got.Text != "fixed" || !got.Edited {
		t.Fatalf("stored = %+v, want the edit persisted", got)
	}
}

func TestEditRejectsNonText(t *testing.T) {
	db := openTestDB(t)
	m, err := db.CreateMessage("alice", proto.PeerConv("bob"), NewMessage{ImageURL: "/img/1.png"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.EditMessage("alice", m.ID, "caption"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("edit image message = %v, want ErrEmpty", err)
	}
}

func TestDeleteForEveryone(t *testing.T) {
	db := openTestDB(t)
	m, err := db.CreateMessage("alice", proto.PeerConv("bob"), NewMessage{Text: "oops"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := db.DeleteMessage("bob", m.ID, DeleteForEveryone); !errors.Is(err, ErrNotSender) {
		t.Fatalf("delete-for-everyone by non-sender = %v, want ErrNotSender", err)
	}

	deleted, err := db.DeleteMessage("alice", m.ID, DeleteForEveryone)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted.Deleted() {
		t.Fatalf("payload survives delete-for-everyone: %+v", deleted)
	}

	// The row stays; its payload is blanked.
	got, err := db.GetMessage(m.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if !got.Deleted() {
		t.Fatalf("stored payload survives: %+v", got)
	}

	// Editing a fully deleted message is refused.
	if _, err := db.EditMessage("alice", m.ID, "resurrect"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("edit deleted = %v, want ErrEmpty", err)
	}
}

func TestDeleteForMe(t *testing.T) {
	db := openTestDB(t)
	m, err := db.CreateMessage("alice", proto.PeerConv("bob"), NewMessage{Text: "hi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Anyone may hide a message for themselves; twice is fine.
	for i := 0; i < 2; i++ {
		if _, err := db.DeleteMessage("bob", m.ID, DeleteForMe); err != nil {
			t.Fatalf("delete for me: %v", err)
		}
	}

	bobView, _ := db.ListMessages("bob", proto.PeerConv("alice"))
	if len(bobView) != 0 {
		t.Fatalf("bob still sees %d messages", len(bobView))
	}
	aliceView, _ := db.ListMessages("alice", proto.PeerConv("bob"))
	if len(aliceView) != 1 {
		t.Fatalf("alice lost her copy: %d messages", len(aliceView))
	}
}

func TestStars(t *testing.T) {
	db := openTestDB(t)
	m, err := db.CreateMessage("alice", proto.PeerConv("bob"), NewMessage{Text: "keep this"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := db.SetStarred("bob", "no-such-id", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("star missing message = %v, want ErrNotFound", err)
	}

	for i := 0; i < 2; i++ {
		if err := db.SetStarred("bob", m.ID, true); err != nil {
			t.Fatalf("star: %v", err)
		}
	}
	ids, err := db.ListStarred("bob")
	if err != nil {
		t.Fatalf("list starred: %v", err)
	}
	if len(ids) != 1 || ids[0] != m.ID {
		t.Fatalf("starred = %v, want [%s]", ids, m.ID)
	}

	// Stars are per user.
	if ids, _ := db.ListStarred("alice"); len(ids) != 0 {
		t.Fatalf("alice inherited bob's stars: %v", ids)
	}

	if err := db.SetStarred("bob", m.ID, false); err != nil {
		t.Fatalf("unstar: %v", err)
	}
	if ids, _ := db.ListStarred("bob"); len(ids) != 0 {
		t.Fatalf("starred after unstar = %v, want empty", ids)
	}
}

func TestGroupsAndFriends(t *testing.T) {
	db := openTestDB(t)

	if err := db.CreateGroup("g1", "the gang", "alice"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := db.AddGroupMember("g1", "bob"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	members, err := db.GroupMembers("g1")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("members = %v, want [alice bob]", members)
	}

	if err := db.RemoveGroupMember("g1", "bob"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	members, _ = db.GroupMembers("g1")
	if len(members) != 1 {
		t.Fatalf("members after removal = %v", members)
	}

	if err := db.AddFriend("alice", "bob"); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		ok, err := db.AreFriends(pair[0], pair[1])
		if err != nil || !ok {
			t.Fatalf("AreFriends(%s, %s) = %v, %v; want true", pair[0], pair[1], ok, err)
		}
	}
	if ok, _ := db.AreFriends("alice", "carol"); ok {
		t.Fatal("alice and carol are not friends")
	}
}
