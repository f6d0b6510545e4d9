package store

import (
	"context"
	"time"

	"github.com/khanghh/meshauth/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noExpiry = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// SQLStorage keeps session blobs in the credential store. Expired rows are
// ignored on read and removed by DeleteExpired.
type SQLStorage struct {
	db *gorm.DB
}

func (s *SQLStorage) Get(key string) ([]byte, error) {
	if len(key) == 0 {
		return nil, nil
	}
	var row model.Session
	err := s.db.Where("sid = ?", key).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.Sid == "" || !row.Expire.After(time.Now()) {
		return nil, nil
	}
	return row.Sess, nil
}

func (s *SQLStorage) Set(key string, val []byte, exp time.Duration) error {
	if len(key) == 0 || len(val) == 0 {
		return nil
	}
	expire := noExpiry
	if exp > 0 {
		expire = time.Now().Add(exp)
	}
	row := model.Session{Sid: key, Sess: val, Expire: expire}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sid"}},
		DoUpdates: clause.AssignmentColumns([]string{"sess", "expire"}),
	}).Create(&row).Error
}

func (s *SQLStorage) Delete(key string) error {
	if len(key) == 0 {
		return nil
	}
	return s.db.Where("sid = ?", key).Delete(&model.Session{}).Error
}

func (s *SQLStorage) Reset() error {
	return s.db.Where("1 = 1").Delete(&model.Session{}).Error
}

// Close is a no-op, the connection pool is owned by the caller.
func (s *SQLStorage) Close() error {
	return nil
}

// DeleteExpired removes every expired session row and returns how many were
// deleted.
func (s *SQLStorage) DeleteExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Where("expire <= ?", time.Now()).Delete(&model.Session{})
	return result.RowsAffected, result.Error
}

func NewSQLStorage(db *gorm.DB) *SQLStorage {
	return &SQLStorage{db: db}
}
