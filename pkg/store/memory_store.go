package store

import (
	"sort"
	"sync"
	"time"

	"fiscalchat/pkg/domain"
)

// MemoryStore keeps all records in-process. It backs tests and local
// development without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	emails        map[string]string // email -> user ID
	userOrder     []string
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> messages in insertion order
	attachments   map[string]domain.Attachment
	attachOrder   []string
	notifications map[string][]domain.Notification // user ID -> notifications in insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		emails:        make(map[string]string),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		attachments:   make(map[string]domain.Attachment),
		notifications: make(map[string][]domain.Notification),
	}
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, exists := m.users[u.ID]; exists {
		if prev.Email != u.Email {
			delete(m.emails, prev.Email)
		}
	} else {
		m.userOrder = append(m.userOrder, u.ID)
	}
	m.users[u.ID] = u
	m.emails[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.emails[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.emails[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListClients returns client-role users in insertion order.
func (m *MemoryStore) ListClients() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.userOrder))
	for _, id := range m.userOrder {
		if u, ok := m.users[id]; ok && u.Role == domain.RoleClient {
			res = append(res, u)
		}
	}
	return res, nil
}

// GetAdmin returns the firm's admin account.
func (m *MemoryStore) GetAdmin() (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.userOrder {
		if u, ok := m.users[id]; ok && u.Role == domain.RoleAdmin {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

// TouchLastSeen updates the user's last-seen timestamp.
func (m *MemoryStore) TouchLastSeen(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	seen := at.UTC()
	u.LastSeenAt = &seen
	m.users[id] = u
	return nil
}

// CreateConversation creates a new conversation record.
func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

// GetConversation returns one conversation by ID.
func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// GetConversationByClient returns the single thread for a client, if any.
func (m *MemoryStore) GetConversationByClient(clientID string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conversations {
		if c.ClientID == clientID {
			return c, true, nil
		}
	}
	return domain.Conversation{}, false, nil
}

// ListConversations returns all conversations, most recently active first.
func (m *MemoryStore) ListConversations() ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		res = append(res, c)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res, nil
}

// MarkConversationRead flips unread messages addressed to the reader and
// resets the conversation counter.
func (m *MemoryStore) MarkConversationRead(conversationID, readerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	for i := range msgs {
		if msgs[i].ReceiverID == readerID && !msgs[i].Read {
			msgs[i].Read = true
		}
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil
	}
	c.UnreadCount = 0
	c.UpdatedAt = time.Now().UTC()
	if c.LastMessage != nil && c.LastMessage.ReceiverID == readerID {
		last := *c.LastMessage
		last.Read = true
		c.LastMessage = &last
	}
	m.conversations[conversationID] = c
	return nil
}

// AppendMessage records a message with its attachment rows and refreshes the
// conversation's last-message denormalization.
func (m *MemoryStore) AppendMessage(msg domain.Message, attachments []domain.Attachment, incrementUnread bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	for _, a := range attachments {
		if _, exists := m.attachments[a.ID]; !exists {
			m.attachOrder = append(m.attachOrder, a.ID)
		}
		m.attachments[a.ID] = a
	}
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil
	}
	last := msg
	c.LastMessage = &last
	c.UpdatedAt = msg.SentAt.UTC()
	if incrementUnread {
		c.UnreadCount++
	}
	m.conversations[msg.ConversationID] = c
	return nil
}

// ListMessages returns messages ordered by sentAt, stable on ties.
func (m *MemoryStore) ListMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.messages[conversationID]
	res := make([]domain.Message, len(src))
	copy(res, src)
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].SentAt.Before(res[j].SentAt)
	})
	return res, nil
}

// SaveAttachment stores attachment/document metadata.
func (m *MemoryStore) SaveAttachment(a domain.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.attachments[a.ID]; !exists {
		m.attachOrder = append(m.attachOrder, a.ID)
	}
	m.attachments[a.ID] = a
	return nil
}

// GetAttachment retrieves an attachment by ID.
func (m *MemoryStore) GetAttachment(id string) (domain.Attachment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attachments[id]
	return a, ok, nil
}

// ListAttachments returns all attachments, newest first.
func (m *MemoryStore) ListAttachments() ([]domain.Attachment, error) {
	return m.listAttachments(func(domain.Attachment) bool { return true })
}

// ListAttachmentsByOwner returns one client dossier's attachments.
func (m *MemoryStore) ListAttachmentsByOwner(ownerID string) ([]domain.Attachment, error) {
	return m.listAttachments(func(a domain.Attachment) bool { return a.OwnerID == ownerID })
}

func (m *MemoryStore) listAttachments(keep func(domain.Attachment) bool) ([]domain.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Attachment, 0, len(m.attachOrder))
	for i := len(m.attachOrder) - 1; i >= 0; i-- {
		if a, ok := m.attachments[m.attachOrder[i]]; ok && keep(a) {
			res = append(res, a)
		}
	}
	return res, nil
}

// SaveNotification stores a notification record.
func (m *MemoryStore) SaveNotification(n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.UserID] = append(m.notifications[n.UserID], n)
	return nil
}

// ListNotificationsByUser returns the owner's notifications, newest first.
func (m *MemoryStore) ListNotificationsByUser(userID string) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.notifications[userID]
	res := make([]domain.Notification, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		res = append(res, src[i])
	}
	return res, nil
}

// MarkNotificationRead flips one record owned by the user.
func (m *MemoryStore) MarkNotificationRead(userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.notifications[userID]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			return true, nil
		}
	}
	return false, nil
}

// MarkAllNotificationsRead flips every record owned by the user.
func (m *MemoryStore) MarkAllNotificationsRead(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.notifications[userID]
	for i := range list {
		list[i].Read = true
	}
	return nil
}
