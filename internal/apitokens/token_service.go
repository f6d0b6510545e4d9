package apitokens

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/common"
	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// TokenInfo is the displayable part of a token.
type TokenInfo struct {
	ID         uint       `json:"id"`
	Prefix     string     `json:"prefix"`
	IsActive   bool       `json:"isActive"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt"`
}

func newTokenInfo(token *model.APIToken) *TokenInfo {
	return &TokenInfo{
		ID:         token.ID,
		Prefix:     token.Prefix,
		IsActive:   token.IsActive,
		CreatedAt:  token.CreatedAt,
		LastUsedAt: token.LastUsedAt,
	}
}

type TokenService struct {
	db        *gorm.DB
	tokenRepo TokenRepository
	audit     *audit.Logger
	cost      int
	now       func() time.Time
}

func generateToken() (string, error) {
	secret, err := common.RandomString(params.APITokenSecretLength, tokenAlphabet)
	if err != nil {
		return "", err
	}
	return params.APITokenPrefix + secret, nil
}

// Create issues a new token for userID, revoking the active one in the same
// transaction. The plaintext is returned once and never stored.
func (s *TokenService) Create(ctx context.Context, userID uint, createdBy uint) (string, *TokenInfo, error) {
	plaintext, err := generateToken()
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.cost)
	if err != nil {
		return "", nil, err
	}

	token := &model.APIToken{
		UserID:    userID,
		TokenHash: string(hash),
		Prefix:    plaintext[:params.APITokenDisplayLength],
		IsActive:  true,
		CreatedBy: createdBy,
	}
	var revoked int64
	err = database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if _, err := database.LockUser(tx.WithContext(ctx), userID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		tokenRepo := s.tokenRepo.WithTx(tx)
		if revoked, err = tokenRepo.RevokeActiveByUser(ctx, userID, createdBy); err != nil {
			return err
		}
		return tokenRepo.Create(ctx, token)
	})
	if err != nil {
		return "", nil, err
	}

	s.audit.LogUser(ctx, createdBy, audit.ActionAPITokenCreated, "api_token", map[string]any{
		"tokenId":      token.ID,
		"targetUserId": userID,
		"prefix":       token.Prefix,
		"revoked":      revoked,
	})
	return plaintext, newTokenInfo(token), nil
}

// Validate returns the owner of an active token matching plaintext.
func (s *TokenService) Validate(ctx context.Context, plaintext string) (uint, error) {
	if !strings.HasPrefix(plaintext, params.APITokenPrefix) || len(plaintext) < params.APITokenDisplayLength {
		return 0, s.invalidToken(ctx, map[string]any{"reason": "malformed"})
	}
	prefix := plaintext[:params.APITokenDisplayLength]
	candidates, err := s.tokenRepo.FindActiveByPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, token := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(token.TokenHash), []byte(plaintext)) != nil {
			continue
		}
		if err := s.tokenRepo.TouchLastUsed(ctx, token.ID, s.now()); err != nil {
			return 0, err
		}
		return token.UserID, nil
	}
	return 0, s.invalidToken(ctx, map[string]any{"reason": "unknown", "prefix": prefix})
}

func (s *TokenService) invalidToken(ctx context.Context, details map[string]any) error {
	s.audit.Log(ctx, audit.Event{
		Action:   audit.ActionAPITokenInvalid,
		Resource: "api_token",
		Details:  details,
	})
	return ErrTokenInvalidOrRevoked
}

// Revoke deactivates tokenID. It reports false when the token was already
// inactive.
func (s *TokenService) Revoke(ctx context.Context, tokenID uint, revokedBy uint) (bool, error) {
	token, err := s.tokenRepo.Get(ctx, tokenID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrTokenNotFound
	}
	if err != nil {
		return false, err
	}
	affected, err := s.tokenRepo.Revoke(ctx, tokenID, revokedBy)
	if err != nil || affected == 0 {
		return false, err
	}
	s.audit.LogUser(ctx, revokedBy, audit.ActionAPITokenRevoked, "api_token", map[string]any{
		"tokenId":      tokenID,
		"targetUserId": token.UserID,
	})
	return true, nil
}

func (s *TokenService) RevokeForUser(ctx context.Context, userID uint, revokedBy uint) (bool, error) {
	affected, err := s.tokenRepo.RevokeActiveByUser(ctx, userID, revokedBy)
	if err != nil || affected == 0 {
		return false, err
	}
	s.audit.LogUser(ctx, revokedBy, audit.ActionAPITokenRevoked, "api_token", map[string]any{
		"targetUserId": userID,
	})
	return true, nil
}

// GetActiveToken returns the active token of userID or nil when there is none.
func (s *TokenService) GetActiveToken(ctx context.Context, userID uint) (*TokenInfo, error) {
	token, err := s.tokenRepo.GetActiveByUser(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newTokenInfo(token), nil
}

func NewTokenService(db *gorm.DB, tokenRepo TokenRepository, auditLogger *audit.Logger, bcryptCost int) *TokenService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &TokenService{
		db:        db,
		tokenRepo: tokenRepo,
		audit:     auditLogger,
		cost:      bcryptCost,
		now:       time.Now,
	}
}
