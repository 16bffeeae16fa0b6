package store

import (
	"time"

	"fiscalchat/pkg/domain"
)

// Store defines persistence operations for users, conversations, messages,
// attachments, and notifications.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListClients() ([]domain.User, error)
	GetAdmin() (domain.User, bool, error)
	TouchLastSeen(id string, at time.Time) error

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	GetConversationByClient(clientID string) (domain.Conversation, bool, error)
	ListConversations() ([]domain.Conversation, error)
	// MarkConversationRead flips every unread message addressed to readerID
	// and resets the conversation's unread counter in one transaction, so the
	// counter always equals the count of unread messages addressed to the
	// admin side of the thread.
	MarkConversationRead(conversationID, readerID string) error

	// messages
	// AppendMessage persists the message, its attachment rows, and the owning
	// conversation's last-message denormalization in one transaction, so a
	// failed write never leaves a message without its attachments (or the
	// other way round). incrementUnread is true when the sender is the client
	// side of the thread.
	AppendMessage(msg domain.Message, attachments []domain.Attachment, incrementUnread bool) error
	ListMessages(conversationID string) ([]domain.Message, error)

	// attachments (chat files and standalone documents share this entity)
	SaveAttachment(domain.Attachment) error
	GetAttachment(id string) (domain.Attachment, bool, error)
	ListAttachments() ([]domain.Attachment, error)
	ListAttachmentsByOwner(ownerID string) ([]domain.Attachment, error)

	// notifications
	SaveNotification(domain.Notification) error
	ListNotificationsByUser(userID string) ([]domain.Notification, error)
	// MarkNotificationRead returns false when no notification with this id
	// belongs to the user.
	MarkNotificationRead(userID, id string) (bool, error)
	MarkAllNotificationsRead(userID string) error
}

// SessionStore issues and resolves session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user before a cutoff time (password change, account disable).
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}
