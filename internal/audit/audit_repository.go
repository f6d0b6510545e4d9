package audit

import (
	"context"
	"time"

	"github.com/khanghh/meshauth/model"
	"gorm.io/gorm"
)

type Filter struct {
	UserID *uint
	Action string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

type AuditRepository interface {
	Create(ctx context.Context, entry *model.AuditLogEntry) error
	Find(ctx context.Context, filter Filter) ([]model.AuditLogEntry, int64, error)
}

type auditRepository struct {
	db *gorm.DB
}

func (r *auditRepository) Create(ctx context.Context, entry *model.AuditLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *auditRepository) Find(ctx context.Context, filter Filter) ([]model.AuditLogEntry, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.AuditLogEntry{})
	if filter.UserID != nil {
		q = q.Where("user_id = ?", *filter.UserID)
	}
	if filter.Action != "" {
		q = q.Where("action = ?", filter.Action)
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("timestamp < ?", filter.Until)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []model.AuditLogEntry
	err := q.Order("id DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}
