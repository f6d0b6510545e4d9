package permissions

import (
	"context"

	"github.com/khanghh/meshauth/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PermissionRepository interface {
	WithTx(tx *gorm.DB) PermissionRepository
	Get(ctx context.Context, userID uint, resource Resource) (*model.Permission, error)
	FindByUser(ctx context.Context, userID uint) ([]model.Permission, error)
	Upsert(ctx context.Context, perms []model.Permission) error
	Delete(ctx context.Context, userID uint, resource Resource) (int64, error)
	DeleteByUser(ctx context.Context, userID uint) (int64, error)
	GetUser(ctx context.Context, userID uint) (*model.User, error)
}

type permissionRepository struct {
	db *gorm.DB
}

func (r *permissionRepository) WithTx(tx *gorm.DB) PermissionRepository {
	return NewPermissionRepository(tx)
}

func (r *permissionRepository) Get(ctx context.Context, userID uint, resource Resource) (*model.Permission, error) {
	var perm model.Permission
	err := r.db.WithContext(ctx).Where("user_id = ? AND resource = ?", userID, string(resource)).Take(&perm).Error
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

func (r *permissionRepository) FindByUser(ctx context.Context, userID uint) ([]model.Permission, error) {
	var perms []model.Permission
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&perms).Error
	return perms, err
}

func (r *permissionRepository) Upsert(ctx context.Context, perms []model.Permission) error {
	if len(perms) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "resource"}},
		DoUpdates: clause.AssignmentColumns([]string{"can_read", "can_write", "can_view_on_map", "granted_at", "granted_by"}),
	}).Create(&perms).Error
}

func (r *permissionRepository) Delete(ctx context.Context, userID uint, resource Resource) (int64, error) {
	result := r.db.WithContext(ctx).Where("user_id = ? AND resource = ?", userID, string(resource)).Delete(&model.Permission{})
	return result.RowsAffected, result.Error
}

func (r *permissionRepository) DeleteByUser(ctx context.Context, userID uint) (int64, error) {
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.Permission{})
	return result.RowsAffected, result.Error
}

func (r *permissionRepository) GetUser(ctx context.Context, userID uint) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Select("id", "is_admin").Where("id = ?", userID).Take(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &permissionRepository{db: db}
}
