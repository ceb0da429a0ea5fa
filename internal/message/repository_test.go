package message

import (
	"context"
	"errors"
	"testing"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo Repository, sender, receiver, content string, at time.Time) *Message {
	t.Helper()
	msg := &Message{SenderID: sender, ReceiverID: receiver, Content: content, CreatedAt: at}
	if err := repo.Insert(context.Background(), msg); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return msg
}

func testRepositoryContract(t *testing.T, repo Repository, alice, bob, carol string) {
	ctx := context.Background()

	m1 := seed(t, repo, alice, bob, "one", baseTime)
	m2 := seed(t, repo, bob, alice, "two", baseTime.Add(time.Minute))
	seed(t, repo, carol, bob, "other", baseTime.Add(2*time.Minute))
	m3 := seed(t, repo, alice, bob, "three", baseTime.Add(3*time.Minute))

	if m1.ID == "" {
		t.Fatal("Insert should assign an id")
	}

	got, err := repo.Get(ctx, m2.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "two" || got.SenderID != bob || got.IsRead {
		t.Errorf("unexpected message %+v", got)
	}

	conv, err := repo.Conversation(ctx, bob, alice, 0)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	var contents []string
	for _, m := range conv {
		contents = append(contents, m.Content)
	}
	if len(contents) != 3 || contents[0] != "one" || contents[1] != "two" || contents[2] != "three" {
		t.Fatalf("unexpected conversation order %v", contents)
	}

	latest, err := repo.Conversation(ctx, alice, bob, 2)
	if err != nil {
		t.Fatalf("Conversation with limit failed: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != m2.ID || latest[1].ID != m3.ID {
		t.Errorf("limit should keep the newest messages in ascending order, got %+v", latest)
	}

	unread, err := repo.ListUnread(ctx, bob)
	if err != nil {
		t.Fatalf("ListUnread failed: %v", err)
	}
	if len(unread) != 3 || unread[0].ID != m3.ID {
		t.Fatalf("expected 3 unread newest first, got %+v", unread)
	}

	if err := repo.MarkRead(ctx, m3.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	unread, _ = repo.ListUnread(ctx, bob)
	if len(unread) != 2 {
		t.Errorf("expected 2 unread after MarkRead, got %d", len(unread))
	}
}

func TestInMemoryRepository_Contract(t *testing.T) {
	testRepositoryContract(t, NewInMemoryRepository(), "alice", "bob", "carol")
}

func TestInMemoryRepository_NotFound(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if err := repo.MarkRead(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead: expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewInMemoryRepository()
	msg := seed(t, repo, "alice", "bob", "original", baseTime)

	got, _ := repo.Get(context.Background(), msg.ID)
	got.Content = "mutated"

	again, _ := repo.Get(context.Background(), msg.ID)
	if again.Content != "original" {
		t.Errorf("stored message was mutated through a returned copy")
	}
}
