package app

import (
	"context"
	"fmt"
	"time"

	"fiscalchat/pkg/domain"
	"fiscalchat/pkg/queue"
	"fiscalchat/pkg/realtime"
)

// Notifications returns the owner's notifications, newest first.
func (a *App) Notifications(user domain.User) ([]domain.Notification, error) {
	notifications, err := a.store.ListNotificationsByUser(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}

// UnreadNotificationCount derives the badge count. Never stored.
func (a *App) UnreadNotificationCount(user domain.User) (int, error) {
	notifications, err := a.Notifications(user)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range notifications {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkNotificationRead flips one record owned by the user. Re-marking a read
// record succeeds without change.
func (a *App) MarkNotificationRead(user domain.User, id string) error {
	ok, err := a.store.MarkNotificationRead(user.ID, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !ok {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllNotificationsRead flips every record owned by the user.
func (a *App) MarkAllNotificationsRead(user domain.User) error {
	if err := a.store.MarkAllNotificationsRead(user.ID); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// HandleEvent is the notifier worker: it turns a queued event into a
// persisted notification record and pushes it to the recipient's open
// connections. Wired to queue.RedisEventQueue.Start in main.
func (a *App) HandleEvent(ctx context.Context, ev queue.Event) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	notification := domain.Notification{
		ID:        ev.ID,
		UserID:    ev.UserID,
		Kind:      domain.NotificationKind(ev.Kind),
		Title:     ev.Title,
		Body:      ev.Body,
		CreatedAt: createdAt,
	}
	if err := a.store.SaveNotification(notification); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	a.pushEvent(ev.UserID, realtime.Event{Type: "notification", Data: notification})
	return nil
}
