package apitokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*TokenService, *gorm.DB) {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Dsn:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := audit.NewLogger(audit.NewAuditRepository(db))
	return NewTokenService(db, NewTokenRepository(db), logger, bcrypt.MinCost), db
}

func createUser(t *testing.T, db *gorm.DB, username string) *model.User {
	t.Helper()
	hash := "$2a$04$placeholderplaceholderpl"
	user := &model.User{Username: username, PasswordHash: &hash, AuthProvider: model.AuthProviderLocal, IsActive: true}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func activeCount(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var count int64
	db.Model(&model.APIToken{}).Where("user_id = ? AND is_active = ?", userID, true).Count(&count)
	return count
}

func TestCreateAndValidate(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "alice")
	ctx := context.Background()

	plaintext, info, err := svc.Create(ctx, user.ID, user.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(plaintext, params.APITokenPrefix) {
		t.Fatalf("token %q lacks prefix", plaintext)
	}
	if len(plaintext) != len(params.APITokenPrefix)+params.APITokenSecretLength {
		t.Fatalf("unexpected token length %d", len(plaintext))
	}
	if info.Prefix != plaintext[:params.APITokenDisplayLength] {
		t.Fatalf("unexpected display prefix %q", info.Prefix)
	}

	var stored model.APIToken
	db.First(&stored, info.ID)
	if stored.TokenHash == plaintext || strings.Contains(stored.TokenHash, plaintext[len(params.APITokenPrefix):]) {
		t.Fatalf("plaintext token persisted")
	}

	userID, err := svc.Validate(ctx, plaintext)
	if err != nil || userID != user.ID {
		t.Fatalf("validate = %d, %v", userID, err)
	}
	db.First(&stored, info.ID)
	if stored.LastUsedAt == nil {
		t.Fatalf("lastUsedAt not updated")
	}

	active, err := svc.GetActiveToken(ctx, user.ID)
	if err != nil || active == nil || active.ID != info.ID {
		t.Fatalf("get active = %+v, %v", active, err)
	}
}

func TestSecondTokenRevokesFirst(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "bob")
	ctx := context.Background()

	first, _, err := svc.Create(ctx, user.ID, user.ID)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, _, err := svc.Create(ctx, user.ID, user.ID)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if n := activeCount(t, db, user.ID); n != 1 {
		t.Fatalf("expected exactly one active token, got %d", n)
	}
	if _, err := svc.Validate(ctx, first); !errors.Is(err, ErrTokenInvalidOrRevoked) {
		t.Fatalf("first token must be rejected, got %v", err)
	}
	if _, err := svc.Validate(ctx, second); err != nil {
		t.Fatalf("second token rejected: %v", err)
	}
}

func TestConcurrentCreateLeavesOneActive(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "carol")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := svc.Create(context.Background(), user.ID, user.ID); err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := activeCount(t, db, user.ID); n != 1 {
		t.Fatalf("expected exactly one active token, got %d", n)
	}
}

func TestValidateFastPath(t *testing.T) {
	svc, db := newTestService(t)
	malformed := []string{"", "Bearer", "abc_v1_0123456789", "mm_v1"}
	for _, token := range malformed {
		if _, err := svc.Validate(context.Background(), token); !errors.Is(err, ErrTokenInvalidOrRevoked) {
			t.Fatalf("token %q: expected ErrTokenInvalidOrRevoked, got %v", token, err)
		}
	}
	var count int64
	db.Model(&model.AuditLogEntry{}).Where("action = ?", audit.ActionAPITokenInvalid).Count(&count)
	if count != int64(len(malformed)) {
		t.Fatalf("expected every malformed token audited, got %d", count)
	}
}

func TestValidateUnknownTokenAudited(t *testing.T) {
	svc, db := newTestService(t)
	_, err := svc.Validate(context.Background(), params.APITokenPrefix+strings.Repeat("a", params.APITokenSecretLength))
	if !errors.Is(err, ErrTokenInvalidOrRevoked) {
		t.Fatalf("expected ErrTokenInvalidOrRevoked, got %v", err)
	}
	var count int64
	db.Model(&model.AuditLogEntry{}).Where("action = ?", audit.ActionAPITokenInvalid).Count(&count)
	if count != 1 {
		t.Fatalf("expected api_token_invalid entry, got %d", count)
	}
}

func TestRevoke(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "dave")
	ctx := context.Background()
	plaintext, info, _ := svc.Create(ctx, user.ID, user.ID)

	revoked, err := svc.Revoke(ctx, info.ID, user.ID)
	if err != nil || !revoked {
		t.Fatalf("revoke = %v, %v", revoked, err)
	}
	revoked, err = svc.Revoke(ctx, info.ID, user.ID)
	if err != nil || revoked {
		t.Fatalf("second revoke = %v, %v", revoked, err)
	}
	if _, err := svc.Validate(ctx, plaintext); !errors.Is(err, ErrTokenInvalidOrRevoked) {
		t.Fatalf("revoked token accepted: %v", err)
	}

	var stored model.APIToken
	if err := db.First(&stored, info.ID).Error; err != nil {
		t.Fatalf("revoked token row must be kept: %v", err)
	}
	if stored.RevokedAt == nil || stored.RevokedBy == nil || *stored.RevokedBy != user.ID {
		t.Fatalf("revocation not recorded: %+v", stored)
	}
	if _, err := svc.Revoke(ctx, 9999, user.ID); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}

	active, _ := svc.GetActiveToken(ctx, user.ID)
	if active != nil {
		t.Fatalf("expected no active token")
	}
}

func TestRevokeForUser(t *testing.T) {
	svc, db := newTestService(t)
	user := createUser(t, db, "erin")
	ctx := context.Background()
	svc.Create(ctx, user.ID, user.ID)

	revoked, err := svc.RevokeForUser(ctx, user.ID, user.ID)
	if err != nil || !revoked {
		t.Fatalf("revoke for user = %v, %v", revoked, err)
	}
	revoked, _ = svc.RevokeForUser(ctx, user.ID, user.ID)
	if revoked {
		t.Fatalf("expected nothing to revoke")
	}
}

func TestCreateForUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)
	if _, _, err := svc.Create(context.Background(), 9999, 1); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
