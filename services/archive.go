package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"session-sync/models"
	"session-sync/utils"
)

// SessionArchiver stores the final view of an ended session and returns where it went.
type SessionArchiver interface {
	ArchiveSession(ctx context.Context, session models.Session, players []models.Participant) (string, error)
}

// ObjectUploader puts one blob into object storage.
type ObjectUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// SessionSnapshot is the archived document.
type SessionSnapshot struct {
	Session      models.Session       `json:"session"`
	Participants []models.Participant `json:"participants"`
	ArchivedAt   time.Time            `json:"archived_at"`
}

// SnapshotArchiver writes sessions as JSON documents to object storage.
type SnapshotArchiver struct {
	Uploader ObjectUploader
	Now      func() time.Time
}

func NewSnapshotArchiver(uploader ObjectUploader) *SnapshotArchiver {
	return &SnapshotArchiver{Uploader: uploader, Now: time.Now}
}

func (a *SnapshotArchiver) ArchiveSession(ctx context.Context, session models.Session, players []models.Participant) (string, error) {
	now := a.Now().UTC()
	body, err := json.Marshal(SessionSnapshot{Session: session, Participants: players, ArchivedAt: now})
	if err != nil {
		return "", fmt.Errorf("marshal session snapshot: %w", err)
	}
	return a.Uploader.Upload(ctx, utils.ArchiveKey(session.JoinCode, now), body, "application/json")
}
