package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"fiscalchat/internal/util"
	"fiscalchat/pkg/domain"
	"fiscalchat/pkg/queue"
	"fiscalchat/pkg/realtime"
	"fiscalchat/pkg/storage"
)

// AttachmentUpload is one file carried by an outgoing message or filed as a
// standalone document.
type AttachmentUpload struct {
	FileName string
	MimeType string
	Size     int64
	Reader   io.Reader
}

// ListConversations returns the viewer's working set: every conversation for
// the admin, at most the viewer's own thread for a client. A client without
// a thread yet gets an empty list, not an error.
func (a *App) ListConversations(viewer domain.User) ([]domain.Conversation, error) {
	if viewer.Role == domain.RoleAdmin {
		conversations, err := a.store.ListConversations()
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		return conversations, nil
	}
	conversation, ok, err := a.store.GetConversationByClient(viewer.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	if !ok {
		return []domain.Conversation{}, nil
	}
	return []domain.Conversation{conversation}, nil
}

// ConversationMessages returns the thread's messages ordered by sentAt.
// Opening a thread as the admin marks everything addressed to the admin as
// read; clients keep their unread state until they send (deliberate
// asymmetry carried over from the product's read-receipt policy).
func (a *App) ConversationMessages(viewer domain.User, conversationID string) ([]domain.Message, error) {
	conversation, err := a.viewableConversation(viewer, conversationID)
	if err != nil {
		return nil, err
	}
	if viewer.Role == domain.RoleAdmin && conversation.UnreadCount > 0 {
		if err := a.store.MarkConversationRead(conversation.ID, viewer.ID); err != nil {
			return nil, fmt.Errorf("mark conversation read: %w", err)
		}
	}
	messages, err := a.store.ListMessages(conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// SendMessage persists a message with optional attachments and notifies the
// receiver. Blank content with no attachments changes nothing.
func (a *App) SendMessage(ctx context.Context, sender domain.User, conversationID, content string, uploads []AttachmentUpload) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(uploads) == 0 {
		return domain.Message{}, ErrEmptyMessage
	}
	conversation, err := a.viewableConversation(sender, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	receiverID, ok := conversation.OtherParticipantID(sender.ID)
	if !ok {
		return domain.Message{}, ErrConversationForbidden
	}

	now := time.Now().UTC()
	msg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		SenderID:       sender.ID,
		ReceiverID:     receiverID,
		Content:        content,
		Read:           false,
		SentAt:         now,
	}
	attachments, err := a.storeUploads(ctx, msg.ID, conversation.ClientID, sender.ID, uploads)
	if err != nil {
		return domain.Message{}, err
	}
	msg.Attachments = attachments

	// Only client messages count toward the admin's unread badge. Attachment
	// rows ride the same transaction as the message.
	incrementUnread := sender.Role == domain.RoleClient
	if err := a.store.AppendMessage(msg, attachments, incrementUnread); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}

	a.publishEvent(ctx, queue.Event{
		UserID: receiverID,
		Kind:   string(domain.NotificationMessage),
		Title:  "New message from " + sender.Name,
		Body:   preview(content),
		Ref:    conversation.ID,
	})
	// Both sides get the authoritative echo; the sender deduplicates an
	// optimistic append against it by message id.
	a.pushEvent(receiverID, realtime.Event{Type: "message", Data: msg})
	a.pushEvent(sender.ID, realtime.Event{Type: "message", Data: msg})
	return msg, nil
}

// OtherParticipant resolves the counterpart the viewer is talking to.
func (a *App) OtherParticipant(conversation domain.Conversation, viewer domain.User) (domain.User, bool) {
	otherID, ok := conversation.OtherParticipantID(viewer.ID)
	if !ok {
		return domain.User{}, false
	}
	other, found, err := a.store.GetUserByID(otherID)
	if err != nil || !found {
		return domain.User{}, false
	}
	return other, true
}

// EnsureConversation guarantees the client has their single thread with the
// admin, creating it on first need.
func (a *App) EnsureConversation(adminID, clientID string) (domain.Conversation, error) {
	conversation, ok, err := a.store.GetConversationByClient(clientID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("fetch conversation: %w", err)
	}
	if ok {
		return conversation, nil
	}
	now := time.Now().UTC()
	conversation = domain.Conversation{
		ID:        util.NewID(),
		AdminID:   adminID,
		ClientID:  clientID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

func (a *App) viewableConversation(viewer domain.User, conversationID string) (domain.Conversation, error) {
	conversation, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("fetch conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if !conversation.HasParticipant(viewer.ID) && viewer.Role != domain.RoleAdmin {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conversation, nil
}

func (a *App) storeUploads(ctx context.Context, messageID, ownerID, uploaderID string, uploads []AttachmentUpload) ([]domain.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	attachments := make([]domain.Attachment, 0, len(uploads))
	for _, up := range uploads {
		key := storage.NewObjectKey(ownerID, up.FileName)
		if err := a.objects.Put(ctx, key, up.Reader, up.Size, up.MimeType); err != nil {
			return nil, fmt.Errorf("store attachment %q: %w", up.FileName, err)
		}
		attachments = append(attachments, domain.Attachment{
			ID:         util.NewID(),
			MessageID:  messageID,
			OwnerID:    ownerID,
			UploaderID: uploaderID,
			FileName:   up.FileName,
			MimeType:   up.MimeType,
			SizeBytes:  up.Size,
			StorageKey: key,
			CreatedAt:  time.Now().UTC(),
		})
	}
	return attachments, nil
}

// preview truncates on a rune boundary so multi-byte content never turns
// into invalid UTF-8 in a notification body.
func preview(content string) string {
	const max = 120
	if utf8.RuneCountInString(content) <= max {
		return content
	}
	return string([]rune(content)[:max])
}
