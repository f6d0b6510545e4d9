package users

import (
	"context"

	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/model"
	"gorm.io/gorm"
)

type UserRepository interface {
	WithTx(tx *gorm.DB) UserRepository
	First(ctx context.Context, query string, args ...any) (*model.User, error)
	Find(ctx context.Context) ([]model.User, error)
	Create(ctx context.Context, user *model.User) error
	Save(ctx context.Context, user *model.User) error
	Updates(ctx context.Context, userID uint, columns map[string]any) (int64, error)
	Lock(ctx context.Context, userID uint) (*model.User, error)
	Delete(ctx context.Context, userID uint) (int64, error)
	CountAdmins(ctx context.Context) (int64, error)
}

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) WithTx(tx *gorm.DB) UserRepository {
	return NewUserRepository(tx)
}

func (r *userRepository) First(ctx context.Context, query string, args ...any) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where(query, args...).Order("id").First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) Find(ctx context.Context) ([]model.User, error) {
	var users []model.User
	err := r.db.WithContext(ctx).Order("id").Find(&users).Error
	return users, err
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// Save writes every column of user, running the credential invariant hook.
func (r *userRepository) Save(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Save(user).Error
}

// Updates writes columns that do not take part in the credential invariant.
func (r *userRepository) Updates(ctx context.Context, userID uint, columns map[string]any) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).UpdateColumns(columns)
	return result.RowsAffected, result.Error
}

func (r *userRepository) Lock(ctx context.Context, userID uint) (*model.User, error) {
	return database.LockUser(r.db.WithContext(ctx), userID)
}

// Delete removes the user row together with its grants and api tokens.
// Callers run it inside a transaction.
func (r *userRepository) Delete(ctx context.Context, userID uint) (int64, error) {
	db := r.db.WithContext(ctx)
	if err := db.Where("user_id = ?", userID).Delete(&model.Permission{}).Error; err != nil {
		return 0, err
	}
	if err := db.Where("user_id = ?", userID).Delete(&model.APIToken{}).Error; err != nil {
		return 0, err
	}
	result := db.Where("id = ?", userID).Delete(&model.User{})
	return result.RowsAffected, result.Error
}

func (r *userRepository) CountAdmins(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.User{}).Where("is_admin = ? AND is_active = ?", true, true).Count(&count).Error
	return count, err
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}
