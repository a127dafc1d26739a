// backend/store.go
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"session-sync/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate key")
)

// Store is the persistent row store: sessions and participants filtered by session id.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	LookupSession(ctx context.Context, joinCode string) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error

	CountParticipants(ctx context.Context, sessionID string) (int64, error)
	InsertParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, sessionID, playerID string) (*models.Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]models.Participant, error)
	UpdateParticipant(ctx context.Context, sessionID string, patch models.ParticipantPatch) (*models.Participant, error)
	UpdateParticipants(ctx context.Context, sessionID string, patches []models.ParticipantPatch) error
	DeleteParticipant(ctx context.Context, sessionID, playerID string) error
}

// OpenDB connects gorm to postgres or sqlite and migrates the sync tables.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "", "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if strings.EqualFold(driver, "sqlite") {
		// single writer keeps sqlite from returning SQLITE_BUSY under concurrent clients
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&models.Session{}, &models.Participant{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// GormStore persists sessions and participants with gorm and emits a change
// event on the broker for every participant write.
type GormStore struct {
	DB     *gorm.DB
	broker Broker
	logger *log.Logger
}

func NewGormStore(db *gorm.DB, broker Broker, logger *log.Logger) *GormStore {
	if logger == nil {
		logger = log.Default()
	}
	return &GormStore{DB: db, broker: broker, logger: logger}
}

func (s *GormStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if err := s.DB.WithContext(ctx).Create(session).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (s *GormStore) LookupSession(ctx context.Context, joinCode string) (*models.Session, error) {
	var session models.Session
	code := strings.ToUpper(strings.TrimSpace(joinCode))
	if err := s.DB.WithContext(ctx).Where("join_code = ?", code).First(&session).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.DB.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (s *GormStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	res := s.DB.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CountParticipants(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	if err := s.DB.WithContext(ctx).Model(&models.Participant{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error; err != nil {
		return 0, translate(err)
	}
	return count, nil
}

func (s *GormStore) InsertParticipant(ctx context.Context, p *models.Participant) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.DB.WithContext(ctx).Create(p).Error; err != nil {
		return translate(err)
	}
	inserted := *p
	s.emit(ctx, models.ChangeEvent{EventType: models.ChangeInsert, NewRecord: &inserted})
	return nil
}

func (s *GormStore) GetParticipant(ctx context.Context, sessionID, playerID string) (*models.Participant, error) {
	var p models.Participant
	if err := s.DB.WithContext(ctx).
		Where("session_id = ? AND player_id = ?", sessionID, playerID).
		First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStore) ListParticipants(ctx context.Context, sessionID string) ([]models.Participant, error) {
	var participants []models.Participant
	if err := s.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&participants).Error; err != nil {
		return nil, translate(err)
	}
	return participants, nil
}

func (s *GormStore) UpdateParticipant(ctx context.Context, sessionID string, patch models.ParticipantPatch) (*models.Participant, error) {
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil, fmt.Errorf("update participant %s: no fields", patch.PlayerID)
	}

	before, err := s.GetParticipant(ctx, sessionID, patch.PlayerID)
	if err != nil {
		return nil, err
	}
	if err := s.DB.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", before.ID).
		Updates(cols).Error; err != nil {
		return nil, translate(err)
	}
	after, err := s.GetParticipant(ctx, sessionID, patch.PlayerID)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, models.ChangeEvent{EventType: models.ChangeUpdate, OldRecord: before, NewRecord: after})
	return after, nil
}

// UpdateParticipants applies many patches as one batch upsert on (session_id, player_id).
// Patches for players that have no row are skipped.
func (s *GormStore) UpdateParticipants(ctx context.Context, sessionID string, patches []models.ParticipantPatch) error {
	if len(patches) == 0 {
		return nil
	}
	// one row per player: a second conflicting row in the same statement is an error
	merged := make(map[string]models.ParticipantPatch, len(patches))
	ids := make([]string, 0, len(patches))
	for _, p := range patches {
		if prev, ok := merged[p.PlayerID]; ok {
			merged[p.PlayerID] = prev.Merge(p)
			continue
		}
		merged[p.PlayerID] = p
		ids = append(ids, p.PlayerID)
	}

	var existing []models.Participant
	if err := s.DB.WithContext(ctx).
		Where("session_id = ? AND player_id IN ?", sessionID, ids).
		Find(&existing).Error; err != nil {
		return translate(err)
	}
	byPlayer := make(map[string]models.Participant, len(existing))
	for _, p := range existing {
		byPlayer[p.PlayerID] = p
	}

	now := time.Now().UTC()
	columnSet := make(map[string]struct{})
	var columns []string
	var before, rows []models.Participant
	for _, id := range ids {
		patch := merged[id]
		current, ok := byPlayer[id]
		if !ok {
			continue
		}
		for col := range patch.Columns() {
			if _, seen := columnSet[col]; !seen {
				columnSet[col] = struct{}{}
				columns = append(columns, col)
			}
		}
		before = append(before, current)
		next := current
		applyPatch(&next, patch)
		next.UpdatedAt = now
		rows = append(rows, next)
	}
	if len(rows) == 0 {
		return nil
	}
	columns = append(columns, "updated_at")

	if err := s.DB.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "player_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		},
	).Create(&rows).Error; err != nil {
		return translate(err)
	}

	for i := range rows {
		old, next := before[i], rows[i]
		s.emit(ctx, models.ChangeEvent{EventType: models.ChangeUpdate, OldRecord: &old, NewRecord: &next})
	}
	return nil
}

func (s *GormStore) DeleteParticipant(ctx context.Context, sessionID, playerID string) error {
	p, err := s.GetParticipant(ctx, sessionID, playerID)
	if err != nil {
		return err
	}
	if err := s.DB.WithContext(ctx).Delete(&models.Participant{}, "id = ?", p.ID).Error; err != nil {
		return translate(err)
	}
	// delete images carry the row id only
	s.emit(ctx, models.ChangeEvent{EventType: models.ChangeDelete, OldRecord: &models.Participant{ID: p.ID}})
	return nil
}

func (s *GormStore) emit(ctx context.Context, ev models.ChangeEvent) {
	if s.broker == nil {
		return
	}
	ev.Table = models.TableParticipants
	ev.CommitTimestamp = time.Now().UTC()
	if err := PublishJSON(ctx, s.broker, ChangeTopic(models.TableParticipants), ev); err != nil {
		s.logger.Printf("[STORE] ⚠️ Failed to publish %s change event: %v", ev.EventType, err)
	}
}

func applyPatch(p *models.Participant, patch models.ParticipantPatch) {
	for _, u := range patch.Split() {
		switch u := u.(type) {
		case models.MovementUpdate:
			u.Apply(p)
		case models.HealthUpdate:
			u.Apply(p)
		case models.EquipmentUpdate:
			u.Apply(p)
		case models.StatsUpdate:
			u.Apply(p)
		case models.PresenceUpdate:
			u.Apply(p)
		}
	}
	if patch.LastHeartbeat != nil {
		p.LastHeartbeat = *patch.LastHeartbeat
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}
