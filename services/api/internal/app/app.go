package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fiscalchat/internal/util"
	"fiscalchat/pkg/auth"
	"fiscalchat/pkg/domain"
	"fiscalchat/pkg/queue"
	"fiscalchat/pkg/realtime"
	"fiscalchat/pkg/store"
	"fiscalchat/pkg/storage"
)

// EventPublisher feeds the notification worker. The redis stream queue
// implements it; tests swap in a recorder.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.Event) (queue.Event, error)
}

// Pusher delivers realtime events to connected browsers.
type Pusher interface {
	Push(userID string, ev realtime.Event)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	SessionTTL    time.Duration
	SessionSecret string
	JWTIssuer     string
	JWTAudience   string
	JWTLeeway     time.Duration
	PresignTTL    time.Duration

	Store    store.Store
	Sessions store.SessionStore
	Objects  storage.ObjectStore
	Events   EventPublisher
	Push     Pusher
}

// App is the core application service wiring storage, sessions, blobs and
// notification fan-out behind the HTTP surface.
type App struct {
	store      store.Store
	sessions   store.SessionStore
	objects    storage.ObjectStore
	events     EventPublisher
	push       Pusher
	presignTTL time.Duration
}

// New constructs the application. Injected dependencies win over config-built
// ones, which keeps tests on in-memory fakes.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.PresignTTL == 0 {
		cfg.PresignTTL = 15 * time.Minute
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for jwt+redis session strategy")
		}
		revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		jwtStore, err := store.NewJWTSessionStore(cfg.SessionSecret, cfg.SessionTTL, revoker, store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		sessionStore = jwtStore
	}

	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event publisher required")
	}

	return &App{
		store:      dataStore,
		sessions:   sessionStore,
		objects:    cfg.Objects,
		events:     cfg.Events,
		push:       cfg.Push,
		presignTTL: cfg.PresignTTL,
	}, nil
}

// Register creates a client account in pending state. No session is issued;
// the firm's admin activates the account from the roster before first login.
func (a *App) Register(ctx context.Context, name, email, password string) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, ErrEmailAndPasswordRequired
	}
	if name == "" {
		return domain.User{}, ErrNameRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         domain.RoleClient,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	if admin, ok, err := a.store.GetAdmin(); err == nil && ok {
		a.publishEvent(ctx, queue.Event{
			UserID: admin.ID,
			Kind:   string(domain.NotificationSystem),
			Title:  "New client registration",
			Body:   user.Name + " is awaiting activation",
			Ref:    user.ID,
		})
	}
	return user, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if user.Status == domain.StatusPending {
		return domain.User{}, "", ErrAccountPending
	}
	if user.Status == domain.StatusDisabled {
		return domain.User{}, "", ErrUserDisabled
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session token: %w", err)
	}
	if err := a.store.TouchLastSeen(user.ID, time.Now().UTC()); err == nil {
		seen := time.Now().UTC()
		user.LastSeenAt = &seen
	}
	return user, token, nil
}

// Logout invalidates the session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves a user from a session token. Pending and disabled
// accounts resolve to false so a stale token cannot reach any handler.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	if user.Status != domain.StatusActive {
		return domain.User{}, false
	}
	return user, true
}

// UpdateProfile updates the current user's display name, email and avatar.
func (a *App) UpdateProfile(user domain.User, name, email, avatarURL string) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))
	if name != "" {
		user.Name = name
	}
	if email != "" && email != user.Email {
		existing, ok, err := a.store.GetUserByEmail(email)
		if err != nil {
			return domain.User{}, fmt.Errorf("check email: %w", err)
		}
		if ok && existing.ID != user.ID {
			return domain.User{}, ErrEmailAlreadyExists
		}
		user.Email = email
	}
	if avatarURL != "" {
		user.AvatarURL = strings.TrimSpace(avatarURL)
	}
	user.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// ChangePassword updates the user's password after verifying the current one.
// Every outstanding session is revoked on success.
func (a *App) ChangePassword(userID, currentPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return ErrNewPasswordRequired
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return fmt.Errorf("user not found")
	}
	if strings.TrimSpace(currentPassword) == "" {
		return ErrCurrentPasswordRequired
	}
	if !auth.CheckPassword(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if currentPassword == newPassword {
		return fmt.Errorf("new password must differ from current password")
	}
	passwordHash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	revokeSince := time.Now().UTC()
	user.PasswordHash = passwordHash
	user.UpdatedAt = revokeSince
	if err := a.store.SaveUser(user); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return a.revokeAllUserSessions(userID, revokeSince)
}

func (a *App) revokeAllUserSessions(userID string, since time.Time) error {
	if userID == "" {
		return nil
	}
	revoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return fmt.Errorf("session store does not support user token revocation")
	}
	if err := revoker.RevokeUserSessions(userID, since); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

// publishEvent is fire-and-forget: a dropped notification must never fail
// the operation that triggered it.
func (a *App) publishEvent(ctx context.Context, ev queue.Event) {
	if a.events == nil {
		return
	}
	if _, err := a.events.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("publish notification event failed",
			"kind", ev.Kind, "user_id", ev.UserID, "err", err)
	}
}

func (a *App) pushEvent(userID string, ev realtime.Event) {
	if a.push == nil {
		return
	}
	a.push.Push(userID, ev)
}
