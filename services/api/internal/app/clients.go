package app

import (
	"context"
	"fmt"
	"time"

	"fiscalchat/pkg/domain"
	"fiscalchat/pkg/queue"
)

// ListClients returns the firm's roster.
func (a *App) ListClients() ([]domain.User, error) {
	clients, err := a.store.ListClients()
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

// ActivateClient moves a pending account to active, ensures the client's
// conversation exists and tells the client. Activating an already active
// account is a no-op.
func (a *App) ActivateClient(ctx context.Context, admin domain.User, clientID string) (domain.User, error) {
	client, err := a.clientByID(clientID)
	if err != nil {
		return domain.User{}, err
	}
	if client.Status != domain.StatusActive {
		client.Status = domain.StatusActive
		client.UpdatedAt = time.Now().UTC()
		if err := a.store.SaveUser(client); err != nil {
			return domain.User{}, fmt.Errorf("activate client: %w", err)
		}
		a.publishEvent(ctx, queue.Event{
			UserID: client.ID,
			Kind:   string(domain.NotificationSystem),
			Title:  "Account activated",
			Body:   "You can now exchange messages and documents with " + admin.Name,
		})
	}
	if _, err := a.EnsureConversation(admin.ID, client.ID); err != nil {
		return domain.User{}, err
	}
	return client, nil
}

// SetClientStatus enables or disables an account. Disabling revokes every
// open session so the lockout is immediate.
func (a *App) SetClientStatus(ctx context.Context, clientID string, status domain.UserStatus) (domain.User, error) {
	if status != domain.StatusActive && status != domain.StatusDisabled {
		return domain.User{}, fmt.Errorf("invalid status %q", status)
	}
	client, err := a.clientByID(clientID)
	if err != nil {
		return domain.User{}, err
	}
	if client.Status == status {
		return client, nil
	}
	client.Status = status
	client.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveUser(client); err != nil {
		return domain.User{}, fmt.Errorf("update client status: %w", err)
	}
	if status == domain.StatusDisabled {
		if err := a.revokeAllUserSessions(client.ID, client.UpdatedAt); err != nil {
			return domain.User{}, err
		}
	}
	return client, nil
}

func (a *App) clientByID(id string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch client: %w", err)
	}
	if !ok || user.Role != domain.RoleClient {
		return domain.User{}, ErrClientNotFound
	}
	return user, nil
}
