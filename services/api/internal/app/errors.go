package app

import "errors"

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// This message is intended to be shown to end users and should not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	// ErrAccountPending is returned when a registered account has not been
	// activated by the firm yet.
	ErrAccountPending = errors.New("account awaiting activation")

	// ErrUserDisabled is returned when an account is disabled.
	// Handlers should generally NOT expose this to clients to avoid account enumeration.
	ErrUserDisabled = errors.New("user disabled")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrNameRequired             = errors.New("name required")
	ErrEmailAlreadyExists       = errors.New("email already exists")

	ErrCurrentPasswordRequired = errors.New("current password required")
	ErrNewPasswordRequired     = errors.New("new password required")

	ErrEmptyMessage          = errors.New("message content required")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("not a participant of this conversation")

	ErrNotificationNotFound = errors.New("notification not found")

	ErrDocumentNotFound  = errors.New("document not found")
	ErrDocumentForbidden = errors.New("document belongs to another client")

	ErrClientNotFound = errors.New("client not found")
)
