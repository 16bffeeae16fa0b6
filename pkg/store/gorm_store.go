package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"gorm.io/driver/postgres"

	"fiscalchat/pkg/domain"
)

const migrateLockID int64 = 48121620

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&ConversationModel{},
			&MessageModel{},
			&AttachmentModel{},
			&NotificationModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "password_hash", "role", "status", "avatar_url", "last_seen_at", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListClients returns all client-role users ordered by created_at.
func (s *GormStore) ListClients() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Where("role = ?", string(domain.RoleClient)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// GetAdmin returns the firm's admin account.
func (s *GormStore) GetAdmin() (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("role = ?", string(domain.RoleAdmin)).
		Order("created_at ASC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// TouchLastSeen updates the user's last-seen timestamp.
func (s *GormStore) TouchLastSeen(id string, at time.Time) error {
	return s.db.Model(&UserModel{}).
		Where("id = ?", id).
		Update("last_seen_at", at.UTC()).Error
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(conversation domain.Conversation) error {
	model := conversationToModel(conversation)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID with lastMessage hydrated.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conversation := conversationFromModel(model)
	if err := s.hydrateLastMessages([]*domain.Conversation{&conversation}, []ConversationModel{model}); err != nil {
		return domain.Conversation{}, false, err
	}
	return conversation, true, nil
}

// GetConversationByClient returns the single thread for a client, if any.
func (s *GormStore) GetConversationByClient(clientID string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "client_id = ?", clientID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conversation := conversationFromModel(model)
	if err := s.hydrateLastMessages([]*domain.Conversation{&conversation}, []ConversationModel{model}); err != nil {
		return domain.Conversation{}, false, err
	}
	return conversation, true, nil
}

// ListConversations returns all conversations, most recently active first.
func (s *GormStore) ListConversations() ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Order("updated_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	conversations := make([]domain.Conversation, len(models))
	refs := make([]*domain.Conversation, len(models))
	for i, m := range models {
		conversations[i] = conversationFromModel(m)
		refs[i] = &conversations[i]
	}
	if err := s.hydrateLastMessages(refs, models); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (s *GormStore) hydrateLastMessages(conversations []*domain.Conversation, models []ConversationModel) error {
	ids := make([]string, 0, len(models))
	for _, m := range models {
		if m.LastMessageID != nil {
			ids = append(ids, *m.LastMessageID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	var messageModels []MessageModel
	if err := s.db.Where("id IN ?", ids).Find(&messageModels).Error; err != nil {
		return err
	}
	byID := make(map[string]domain.Message, len(messageModels))
	for _, m := range messageModels {
		byID[m.ID] = messageFromModel(m)
	}
	for i, m := range models {
		if m.LastMessageID == nil {
			continue
		}
		if msg, ok := byID[*m.LastMessageID]; ok {
			conversations[i].LastMessage = &msg
		}
	}
	return nil
}

// MarkConversationRead flips unread messages addressed to the reader and
// resets the conversation counter atomically.
func (s *GormStore) MarkConversationRead(conversationID, readerID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MessageModel{}).
			Where("conversation_id = ? AND receiver_id = ? AND read = ?", conversationID, readerID, false).
			Update("read", true).Error; err != nil {
			return err
		}
		return tx.Model(&ConversationModel{}).
			Where("id = ?", conversationID).
			Updates(map[string]any{
				"unread_count": 0,
				"updated_at":   time.Now().UTC(),
			}).Error
	})
}

// AppendMessage records a message, its attachment rows, and the
// conversation's last-message denormalization in one transaction.
func (s *GormStore) AppendMessage(msg domain.Message, attachments []domain.Attachment, incrementUnread bool) error {
	model := messageToModel(msg)
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		for i := range attachments {
			attModel := attachmentToModel(attachments[i])
			if err := tx.Create(&attModel).Error; err != nil {
				return err
			}
		}
		updates := map[string]any{
			"last_message_id": msg.ID,
			"updated_at":      msg.SentAt.UTC(),
		}
		if incrementUnread {
			updates["unread_count"] = gorm.Expr("unread_count + 1")
		}
		return tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationID).
			Updates(updates).Error
	})
}

// ListMessages returns all messages of a conversation in chronological order.
func (s *GormStore) ListMessages(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("sent_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// SaveAttachment stores attachment/document metadata.
func (s *GormStore) SaveAttachment(a domain.Attachment) error {
	model := attachmentToModel(a)
	return s.db.Create(&model).Error
}

// GetAttachment retrieves an attachment by ID.
func (s *GormStore) GetAttachment(id string) (domain.Attachment, bool, error) {
	var model AttachmentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Attachment{}, false, nil
		}
		return domain.Attachment{}, false, err
	}
	return attachmentFromModel(model), true, nil
}

// ListAttachments returns all attachments, newest first.
func (s *GormStore) ListAttachments() ([]domain.Attachment, error) {
	return s.listAttachments()
}

// ListAttachmentsByOwner returns one client dossier's attachments.
func (s *GormStore) ListAttachmentsByOwner(ownerID string) ([]domain.Attachment, error) {
	return s.listAttachments("owner_id = ?", ownerID)
}

func (s *GormStore) listAttachments(conds ...any) ([]domain.Attachment, error) {
	var models []AttachmentModel
	tx := s.db.Order("created_at DESC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Attachment, 0, len(models))
	for _, m := range models {
		res = append(res, attachmentFromModel(m))
	}
	return res, nil
}

// SaveNotification stores a notification record.
func (s *GormStore) SaveNotification(n domain.Notification) error {
	model := notificationToModel(n)
	return s.db.Create(&model).Error
}

// ListNotificationsByUser returns the owner's notifications, newest first.
func (s *GormStore) ListNotificationsByUser(userID string) ([]domain.Notification, error) {
	var models []NotificationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

// MarkNotificationRead flips one record owned by the user.
func (s *GormStore) MarkNotificationRead(userID, id string) (bool, error) {
	res := s.db.Model(&NotificationModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	// RowsAffected is 0 both for missing rows and already-read rows.
	var count int64
	if err := s.db.Model(&NotificationModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkAllNotificationsRead flips every record owned by the user.
func (s *GormStore) MarkAllNotificationsRead(userID string) error {
	return s.db.Model(&NotificationModel{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		AvatarURL:    u.AvatarURL,
		LastSeenAt:   u.LastSeenAt,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		AvatarURL:    m.AvatarURL,
		LastSeenAt:   m.LastSeenAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	var lastMessageID *string
	if c.LastMessage != nil && c.LastMessage.ID != "" {
		id := c.LastMessage.ID
		lastMessageID = &id
	}
	return ConversationModel{
		ID:            c.ID,
		AdminID:       c.AdminID,
		ClientID:      c.ClientID,
		LastMessageID: lastMessageID,
		UnreadCount:   c.UnreadCount,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:          m.ID,
		AdminID:     m.AdminID,
		ClientID:    m.ClientID,
		UnreadCount: m.UnreadCount,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var rawAttachments []byte
	if len(msg.Attachments) > 0 {
		rawAttachments, _ = json.Marshal(msg.Attachments)
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		Read:           msg.Read,
		Attachments:    rawAttachments,
		SentAt:         msg.SentAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	var attachments []domain.Attachment
	if len(m.Attachments) > 0 {
		_ = json.Unmarshal(m.Attachments, &attachments)
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Read:           m.Read,
		Attachments:    attachments,
		SentAt:         m.SentAt,
	}
}

func attachmentToModel(a domain.Attachment) AttachmentModel {
	var messageID *string
	if a.MessageID != "" {
		id := a.MessageID
		messageID = &id
	}
	return AttachmentModel{
		ID:         a.ID,
		MessageID:  messageID,
		OwnerID:    a.OwnerID,
		UploaderID: a.UploaderID,
		FileName:   a.FileName,
		MimeType:   a.MimeType,
		SizeBytes:  a.SizeBytes,
		StorageKey: a.StorageKey,
		CreatedAt:  a.CreatedAt,
	}
}

func attachmentFromModel(m AttachmentModel) domain.Attachment {
	messageID := ""
	if m.MessageID != nil {
		messageID = *m.MessageID
	}
	return domain.Attachment{
		ID:         m.ID,
		MessageID:  messageID,
		OwnerID:    m.OwnerID,
		UploaderID: m.UploaderID,
		FileName:   m.FileName,
		MimeType:   m.MimeType,
		SizeBytes:  m.SizeBytes,
		StorageKey: m.StorageKey,
		CreatedAt:  m.CreatedAt,
	}
}

func notificationToModel(n domain.Notification) NotificationModel {
	return NotificationModel{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      string(n.Kind),
		Title:     n.Title,
		Body:      n.Body,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	return domain.Notification{
		ID:        m.ID,
		UserID:    m.UserID,
		Kind:      domain.NotificationKind(m.Kind),
		Title:     m.Title,
		Body:      m.Body,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}
}
