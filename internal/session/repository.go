package session

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/pkg/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository handles the durable session rows and their audit log
type Repository interface {
	// Get returns the row of a session, or nil when none is stored
	Get(ctx context.Context, id string) (*domain.WhatsAppSession, error)

	// Save inserts the row or updates its webhook settings
	Save(ctx context.Context, s *domain.WhatsAppSession) error

	// UpdateStatus records the latest connection status
	UpdateStatus(ctx context.Context, id string, status Status, jid, lastErr string) error

	// List returns every stored session
	List(ctx context.Context) ([]*domain.WhatsAppSession, error)

	// Delete removes the row and its audit log
	Delete(ctx context.Context, id string) error

	// AppendLog inserts a transition audit entry
	AppendLog(ctx context.Context, log *domain.SessionEventLog) error

	// DeleteLogsOlderThan prunes audit entries older than N days
	DeleteLogsOlderThan(ctx context.Context, days int) (int64, error)
}

// GormRepository is the GORM implementation of Repository
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Get(ctx context.Context, id string) (*domain.WhatsAppSession, error) {
	var s domain.WhatsAppSession
	err := r.db.WithContext(ctx).Where("session_id = ?", id).First(&s).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get session %s", id)
	}
	return &s, nil
}

func (r *GormRepository) Save(ctx context.Context, s *domain.WhatsAppSession) error {
	if s.ID == 0 {
		s.ID = common.UUIDint64()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"webhook_url", "webhook_token", "updated_at"}),
	}).Create(s).Error
	return errors.Wrapf(err, "save session %s", s.SessionID)
}

func (r *GormRepository) UpdateStatus(ctx context.Context, id string, status Status, jid, lastErr string) error {
	updates := map[string]interface{}{
		"status":     string(status),
		"last_error": lastErr,
		"updated_at": time.Now(),
	}
	if jid != "" {
		updates["jid"] = jid
	}
	err := r.db.WithContext(ctx).Model(&domain.WhatsAppSession{}).
		Where("session_id = ?", id).
		Updates(updates).Error
	return errors.Wrapf(err, "update session %s status", id)
}

func (r *GormRepository) List(ctx context.Context) ([]*domain.WhatsAppSession, error) {
	var items []*domain.WhatsAppSession
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&items).Error
	return items, errors.Wrap(err, "list sessions")
}

func (r *GormRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&domain.SessionEventLog{}).Error; err != nil {
			return errors.Wrapf(err, "delete session %s logs", id)
		}
		if err := tx.Where("session_id = ?", id).Delete(&domain.WhatsAppSession{}).Error; err != nil {
			return errors.Wrapf(err, "delete session %s", id)
		}
		return nil
	})
}

func (r *GormRepository) AppendLog(ctx context.Context, log *domain.SessionEventLog) error {
	if log.ID == 0 {
		log.ID = common.UUIDint64()
	}
	return errors.Wrap(r.db.WithContext(ctx).Create(log).Error, "append session log")
}

func (r *GormRepository) DeleteLogsOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.SessionEventLog{})
	return res.RowsAffected, errors.Wrap(res.Error, "prune session logs")
}
