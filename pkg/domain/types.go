package domain

import "time"

type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleClient UserRole = "client"
)

type UserStatus string

const (
	StatusPending  UserStatus = "pending"
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type NotificationKind string

const (
	NotificationMessage  NotificationKind = "message"
	NotificationDocument NotificationKind = "document"
	NotificationSystem   NotificationKind = "system"
)

// User is the authenticated principal: the firm's admin or one of its clients.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Conversation is a two-party thread pairing exactly one admin with one client.
type Conversation struct {
	ID          string    `json:"id"`
	AdminID     string    `json:"adminId"`
	ClientID    string    `json:"clientId"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	UnreadCount int       `json:"unreadCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasParticipant reports whether the user id is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID == c.AdminID || userID == c.ClientID
}

// OtherParticipantID resolves the participant whose id differs from viewerID.
// The second return is false when the viewer is not part of the conversation.
func (c Conversation) OtherParticipantID(viewerID string) (string, bool) {
	switch viewerID {
	case c.AdminID:
		return c.ClientID, true
	case c.ClientID:
		return c.AdminID, true
	default:
		return "", false
	}
}

// Message is immutable once created except for the Read flag.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId"`
	Content        string       `json:"content"`
	Read           bool         `json:"read"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	SentAt         time.Time    `json:"sentAt"`
}

// Attachment is an uploaded file, either carried by a message or filed
// directly into a client dossier as a standalone document.
type Attachment struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"messageId,omitempty"`
	OwnerID    string    `json:"ownerId"`
	UploaderID string    `json:"uploaderId"`
	FileName   string    `json:"fileName"`
	MimeType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	StorageKey string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"createdAt"`
}
