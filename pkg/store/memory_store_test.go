package store

import (
	"testing"
	"time"

	"fiscalchat/pkg/domain"
)

func seedConversation(t *testing.T, s *MemoryStore) domain.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:        "conv-1",
		AdminID:   "admin-1",
		ClientID:  "client-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateConversation(conversation); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conversation
}

func TestAppendMessageUpdatesLastMessageAndUnread(t *testing.T) {
	s := NewMemoryStore()
	conversation := seedConversation(t, s)

	msg := domain.Message{
		ID:             "msg-1",
		ConversationID: conversation.ID,
		SenderID:       "client-1",
		ReceiverID:     "admin-1",
		Content:        "here is my bank statement",
		SentAt:         time.Now().UTC(),
	}
	if err := s.AppendMessage(msg, nil, true); err != nil {
		t.Fatalf("append message: %v", err)
	}

	got, ok, err := s.GetConversation(conversation.ID)
	if err != nil || !ok {
		t.Fatalf("get conversation: ok=%v err=%v", ok, err)
	}
	if got.UnreadCount != 1 {
		t.Fatalf("unread count = %d, want 1", got.UnreadCount)
	}
	if got.LastMessage == nil || got.LastMessage.ID != "msg-1" {
		t.Fatalf("last message not updated: %+v", got.LastMessage)
	}
}

func TestAppendMessageWithoutIncrementKeepsUnread(t *testing.T) {
	s := NewMemoryStore()
	conversation := seedConversation(t, s)

	msg := domain.Message{
		ID:             "msg-1",
		ConversationID: conversation.ID,
		SenderID:       "admin-1",
		ReceiverID:     "client-1",
		Content:        "please send the Q1 VAT declaration",
		SentAt:         time.Now().UTC(),
	}
	if err := s.AppendMessage(msg, nil, false); err != nil {
		t.Fatalf("append message: %v", err)
	}

	got, _, err := s.GetConversation(conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.UnreadCount != 0 {
		t.Fatalf("unread count = %d, want 0", got.UnreadCount)
	}
}

func TestAppendMessagePersistsAttachmentRows(t *testing.T) {
	s := NewMemoryStore()
	conversation := seedConversation(t, s)

	msg := domain.Message{
		ID:             "msg-1",
		ConversationID: conversation.ID,
		SenderID:       "client-1",
		ReceiverID:     "admin-1",
		SentAt:         time.Now().UTC(),
	}
	attachments := []domain.Attachment{
		{ID: "att-1", MessageID: msg.ID, OwnerID: "client-1", FileName: "invoice.pdf"},
		{ID: "att-2", MessageID: msg.ID, OwnerID: "client-1", FileName: "receipt.pdf"},
	}
	if err := s.AppendMessage(msg, attachments, true); err != nil {
		t.Fatalf("append message: %v", err)
	}

	for _, att := range attachments {
		got, ok, err := s.GetAttachment(att.ID)
		if err != nil || !ok {
			t.Fatalf("attachment %s missing: ok=%v err=%v", att.ID, ok, err)
		}
		if got.MessageID != msg.ID {
			t.Fatalf("attachment %s message id = %q", att.ID, got.MessageID)
		}
	}
}

func TestMarkConversationReadResetsCounterAndFlipsMessages(t *testing.T) {
	s := NewMemoryStore()
	conversation := seedConversation(t, s)

	base := time.Now().UTC()
	for i, id := range []string{"msg-1", "msg-2", "msg-3"} {
		err := s.AppendMessage(domain.Message{
			ID:             id,
			ConversationID: conversation.ID,
			SenderID:       "client-1",
			ReceiverID:     "admin-1",
			Content:        "ping",
			SentAt:         base.Add(time.Duration(i) * time.Second),
		}, nil, true)
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	if err := s.MarkConversationRead(conversation.ID, "admin-1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	got, _, err := s.GetConversation(conversation.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.UnreadCount != 0 {
		t.Fatalf("unread count = %d, want 0", got.UnreadCount)
	}
	msgs, err := s.ListMessages(conversation.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for _, msg := range msgs {
		if msg.ReceiverID == "admin-1" && !msg.Read {
			t.Fatalf("message %s still unread", msg.ID)
		}
	}
}

func TestListMessagesOrderedBySentAtStable(t *testing.T) {
	s := NewMemoryStore()
	conversation := seedConversation(t, s)

	base := time.Now().UTC()
	// msg-b and msg-c share a timestamp; insertion order must hold.
	inserts := []struct {
		id     string
		sentAt time.Time
	}{
		{"msg-b", base.Add(time.Second)},
		{"msg-c", base.Add(time.Second)},
		{"msg-a", base},
	}
	for _, in := range inserts {
		err := s.AppendMessage(domain.Message{
			ID:             in.id,
			ConversationID: conversation.ID,
			SenderID:       "client-1",
			ReceiverID:     "admin-1",
			Content:        "x",
			SentAt:         in.sentAt,
		}, nil, true)
		if err != nil {
			t.Fatalf("append %s: %v", in.id, err)
		}
	}

	msgs, err := s.ListMessages(conversation.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	wantOrder := []string{"msg-a", "msg-b", "msg-c"}
	for i, want := range wantOrder {
		if msgs[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, msgs[i].ID, want)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].SentAt.Before(msgs[i-1].SentAt) {
			t.Fatalf("ordering not monotonic at %d", i)
		}
	}
}

func TestSaveUserEmailReindexing(t *testing.T) {
	s := NewMemoryStore()
	u := domain.User{ID: "u1", Email: "old@example.com", Role: domain.RoleClient}
	if err := s.SaveUser(u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	u.Email = "new@example.com"
	if err := s.SaveUser(u); err != nil {
		t.Fatalf("update user: %v", err)
	}
	if ok, _ := s.HasUserEmail("old@example.com"); ok {
		t.Fatal("old email should be gone")
	}
	if _, ok, _ := s.GetUserByEmail("new@example.com"); !ok {
		t.Fatal("new email should resolve")
	}
}

func TestNotificationsMarkAllIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	for _, id := range []string{"n1", "n2"} {
		err := s.SaveNotification(domain.Notification{
			ID:        id,
			UserID:    "u1",
			Kind:      domain.NotificationMessage,
			Title:     "New message",
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("save notification: %v", err)
		}
	}

	if err := s.MarkAllNotificationsRead("u1"); err != nil {
		t.Fatalf("first mark all: %v", err)
	}
	first, _ := s.ListNotificationsByUser("u1")
	if err := s.MarkAllNotificationsRead("u1"); err != nil {
		t.Fatalf("second mark all: %v", err)
	}
	second, _ := s.ListNotificationsByUser("u1")

	if len(first) != len(second) {
		t.Fatalf("length changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("record %d changed between calls", i)
		}
	}
	for _, n := range second {
		if !n.Read {
			t.Fatalf("notification %s still unread", n.ID)
		}
	}
}

func TestMarkNotificationReadScopedToOwner(t *testing.T) {
	s := NewMemoryStore()
	err := s.SaveNotification(domain.Notification{
		ID:     "n1",
		UserID: "owner",
		Kind:   domain.NotificationSystem,
		Title:  "Account activated",
	})
	if err != nil {
		t.Fatalf("save notification: %v", err)
	}
	if ok, _ := s.MarkNotificationRead("intruder", "n1"); ok {
		t.Fatal("foreign user must not flip the record")
	}
	if ok, _ := s.MarkNotificationRead("owner", "n1"); !ok {
		t.Fatal("owner should flip the record")
	}
}
