package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fiscalchat/internal/util"
	"fiscalchat/pkg/domain"
	"fiscalchat/pkg/queue"
	"fiscalchat/pkg/storage"
)

// UploadDocument files a standalone document into a client dossier. Admins
// may file into any dossier; clients only their own. The counterpart is
// notified.
func (a *App) UploadDocument(ctx context.Context, actor domain.User, ownerID string, up AttachmentUpload) (domain.Attachment, error) {
	ownerID = strings.TrimSpace(ownerID)
	if actor.Role == domain.RoleClient {
		if ownerID != "" && ownerID != actor.ID {
			return domain.Attachment{}, ErrDocumentForbidden
		}
		ownerID = actor.ID
	}
	if ownerID == "" {
		return domain.Attachment{}, fmt.Errorf("owner id required")
	}
	owner, ok, err := a.store.GetUserByID(ownerID)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("fetch owner: %w", err)
	}
	if !ok || owner.Role != domain.RoleClient {
		return domain.Attachment{}, ErrClientNotFound
	}
	if strings.TrimSpace(up.FileName) == "" {
		return domain.Attachment{}, fmt.Errorf("file name required")
	}

	key := storage.NewObjectKey(ownerID, up.FileName)
	if err := a.objects.Put(ctx, key, up.Reader, up.Size, up.MimeType); err != nil {
		return domain.Attachment{}, fmt.Errorf("store document %q: %w", up.FileName, err)
	}
	document := domain.Attachment{
		ID:         util.NewID(),
		OwnerID:    ownerID,
		UploaderID: actor.ID,
		FileName:   up.FileName,
		MimeType:   up.MimeType,
		SizeBytes:  up.Size,
		StorageKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.SaveAttachment(document); err != nil {
		return domain.Attachment{}, fmt.Errorf("save document: %w", err)
	}

	if recipientID := a.documentCounterpart(actor, ownerID); recipientID != "" {
		a.publishEvent(ctx, queue.Event{
			UserID: recipientID,
			Kind:   string(domain.NotificationDocument),
			Title:  "New document: " + up.FileName,
			Body:   "Uploaded by " + actor.Name,
			Ref:    document.ID,
		})
	}
	return document, nil
}

// ListDocuments returns the dossier the viewer is allowed to see: everything
// for the admin, the viewer's own files for a client.
func (a *App) ListDocuments(viewer domain.User) ([]domain.Attachment, error) {
	var (
		documents []domain.Attachment
		err       error
	)
	if viewer.Role == domain.RoleAdmin {
		documents, err = a.store.ListAttachments()
	} else {
		documents, err = a.store.ListAttachmentsByOwner(viewer.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return documents, nil
}

// DocumentURL returns a short-lived download URL for one document.
func (a *App) DocumentURL(ctx context.Context, viewer domain.User, id string) (string, error) {
	document, ok, err := a.store.GetAttachment(id)
	if err != nil {
		return "", fmt.Errorf("fetch document: %w", err)
	}
	if !ok {
		return "", ErrDocumentNotFound
	}
	if viewer.Role != domain.RoleAdmin && document.OwnerID != viewer.ID {
		return "", ErrDocumentForbidden
	}
	url, err := a.objects.PresignGet(ctx, document.StorageKey, a.presignTTL)
	if err != nil {
		return "", fmt.Errorf("presign document: %w", err)
	}
	return url, nil
}

// documentCounterpart picks who to notify about a new file in the dossier.
func (a *App) documentCounterpart(actor domain.User, ownerID string) string {
	if actor.Role == domain.RoleAdmin {
		return ownerID
	}
	admin, ok, err := a.store.GetAdmin()
	if err != nil || !ok {
		return ""
	}
	return admin.ID
}
