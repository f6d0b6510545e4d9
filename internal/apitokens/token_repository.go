package apitokens

import (
	"context"
	"time"

	"github.com/khanghh/meshauth/model"
	"gorm.io/gorm"
)

type TokenRepository interface {
	WithTx(tx *gorm.DB) TokenRepository
	Create(ctx context.Context, token *model.APIToken) error
	Get(ctx context.Context, tokenID uint) (*model.APIToken, error)
	FindActiveByPrefix(ctx context.Context, prefix string) ([]model.APIToken, error)
	GetActiveByUser(ctx context.Context, userID uint) (*model.APIToken, error)
	RevokeActiveByUser(ctx context.Context, userID uint, revokedBy uint) (int64, error)
	Revoke(ctx context.Context, tokenID uint, revokedBy uint) (int64, error)
	TouchLastUsed(ctx context.Context, tokenID uint, at time.Time) error
}

type tokenRepository struct {
	db *gorm.DB
}

func (r *tokenRepository) WithTx(tx *gorm.DB) TokenRepository {
	return NewTokenRepository(tx)
}

func (r *tokenRepository) Create(ctx context.Context, token *model.APIToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *tokenRepository) Get(ctx context.Context, tokenID uint) (*model.APIToken, error) {
	var token model.APIToken
	if err := r.db.WithContext(ctx).Where("id = ?", tokenID).Take(&token).Error; err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *tokenRepository) FindActiveByPrefix(ctx context.Context, prefix string) ([]model.APIToken, error) {
	var tokens []model.APIToken
	err := r.db.WithContext(ctx).Where("prefix = ? AND is_active = ?", prefix, true).Find(&tokens).Error
	return tokens, err
}

func (r *tokenRepository) GetActiveByUser(ctx context.Context, userID uint) (*model.APIToken, error) {
	var token model.APIToken
	err := r.db.WithContext(ctx).Where("user_id = ? AND is_active = ?", userID, true).Order("id DESC").First(&token).Error
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func revokeColumns(revokedBy uint) map[string]any {
	return map[string]any{
		"is_active":  false,
		"revoked_at": time.Now(),
		"revoked_by": revokedBy,
	}
}

func (r *tokenRepository) RevokeActiveByUser(ctx context.Context, userID uint, revokedBy uint) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.APIToken{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		UpdateColumns(revokeColumns(revokedBy))
	return result.RowsAffected, result.Error
}

func (r *tokenRepository) Revoke(ctx context.Context, tokenID uint, revokedBy uint) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.APIToken{}).
		Where("id = ? AND is_active = ?", tokenID, true).
		UpdateColumns(revokeColumns(revokedBy))
	return result.RowsAffected, result.Error
}

func (r *tokenRepository) TouchLastUsed(ctx context.Context, tokenID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.APIToken{}).Where("id = ?", tokenID).UpdateColumn("last_used_at", at).Error
}

func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{db: db}
}
