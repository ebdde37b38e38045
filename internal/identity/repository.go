package identity

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

// Repository is the durable side of the identity cache.
type Repository interface {
	// Get returns the mapping for lid, or nil when none is stored
	Get(ctx context.Context, sessionID, lid string) (*domain.IdentityMapping, error)

	// Upsert inserts or replaces the mapping keyed by (session, lid)
	Upsert(ctx context.Context, m *domain.IdentityMapping) error

	// ListBySession returns every mapping of one session
	ListBySession(ctx context.Context, sessionID string) ([]*domain.IdentityMapping, error)

	// DeleteBySession removes every mapping of one session
	DeleteBySession(ctx context.Context, sessionID string) error
}

// GormRepository is the GORM implementation of Repository
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Get(ctx context.Context, sessionID, lid string) (*domain.IdentityMapping, error) {
	var m domain.IdentityMapping
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND lid = ?", sessionID, lid).
		First(&m).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get identity mapping %s/%s", sessionID, lid)
	}
	return &m, nil
}

func (r *GormRepository) Upsert(ctx context.Context, m *domain.IdentityMapping) error {
	if m.ID == 0 {
		m.ID = common.UUIDint64()
	}
	m.UpdatedAt = time.Now()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "lid"}},
		DoUpdates: clause.AssignmentColumns([]string{"phone", "source", "updated_at"}),
	}).Create(m).Error
	return errors.Wrapf(err, "upsert identity mapping %s/%s", m.SessionID, m.Lid)
}

func (r *GormRepository) ListBySession(ctx context.Context, sessionID string) ([]*domain.IdentityMapping, error) {
	var items []*domain.IdentityMapping
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("updated_at ASC").
		Find(&items).Error
	return items, errors.Wrapf(err, "list identity mappings of %s", sessionID)
}

func (r *GormRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&domain.IdentityMapping{}).Error
	return errors.Wrapf(err, "delete identity mappings of %s", sessionID)
}
