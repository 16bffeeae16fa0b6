package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null;index"`
	Status       string `gorm:"not null"`
	AvatarURL    string
	LastSeenAt   *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ConversationModel struct {
	ID            string  `gorm:"primaryKey"`
	AdminID       string  `gorm:"not null;index"`
	ClientID      string  `gorm:"not null;uniqueIndex"`
	LastMessageID *string `gorm:"index"`
	UnreadCount   int     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index"`
	SenderID       string         `gorm:"not null"`
	ReceiverID     string         `gorm:"not null;index"`
	Content        string         `gorm:"type:text;not null"`
	Read           bool           `gorm:"not null;default:false"`
	Attachments    datatypes.JSON `gorm:"type:jsonb"`
	SentAt         time.Time      `gorm:"not null;index"`
}

type AttachmentModel struct {
	ID         string `gorm:"primaryKey"`
	MessageID  *string
	OwnerID    string `gorm:"not null;index"`
	UploaderID string `gorm:"not null"`
	FileName   string `gorm:"not null"`
	MimeType   string
	SizeBytes  int64     `gorm:"not null"`
	StorageKey string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

type NotificationModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Kind      string    `gorm:"not null"`
	Title     string    `gorm:"not null"`
	Body      string    `gorm:"type:text"`
	Read      bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null;index"`
}
