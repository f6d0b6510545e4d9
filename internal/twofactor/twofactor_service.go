package twofactor

import (
	"context"
	"errors"
	"time"

	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/internal/users"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var validateOpts = totp.ValidateOpts{
	Period:    params.TOTPPeriod,
	Skew:      params.TOTPSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

type SetupResult struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauthUrl"`
	QRCode      string   `json:"qrCode"`
	BackupCodes []string `json:"backupCodes"`
}

type Status struct {
	Enabled              bool `json:"enabled"`
	Pending              bool `json:"pending"`
	BackupCodesRemaining int  `json:"backupCodesRemaining"`
}

type TwoFactorService struct {
	db       *gorm.DB
	userRepo users.UserRepository
	audit    *audit.Logger
	issuer   string
	cost     int
	now      func() time.Time
}

func (s *TwoFactorService) validateCode(secret string, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), validateOpts)
	return err == nil && ok
}

// withLockedUser runs fn in a transaction holding the row lock of userID.
// fn mutates the user, which is saved when fn returns nil.
func (s *TwoFactorService) withLockedUser(ctx context.Context, userID uint, fn func(user *model.User) error) (*model.User, error) {
	var locked *model.User
	err := database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		userRepo := s.userRepo.WithTx(tx)
		user, err := userRepo.Lock(ctx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return users.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(user); err != nil {
			return err
		}
		locked = user
		return userRepo.Save(ctx, user)
	})
	return locked, err
}

func clearMFA(user *model.User) {
	user.MFAEnabled = false
	user.MFASecret = nil
	user.MFABackupCodes = nil
}

// Setup stores a fresh secret and backup codes on a local user. MFA stays
// disabled until VerifySetup confirms a code.
func (s *TwoFactorService) Setup(ctx context.Context, userID uint) (*SetupResult, error) {
	user, err := s.userRepo.First(ctx, "id = ?", userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if !user.IsLocal() {
		return nil, users.ErrNotLocalProvider
	}
	if user.MFAEnabled {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Username,
		Period:      params.TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}
	qrCode, err := qrCodeDataURL(key)
	if err != nil {
		return nil, err
	}
	codes, hashes, err := generateBackupCodes(s.cost)
	if err != nil {
		return nil, err
	}

	_, err = s.withLockedUser(ctx, userID, func(user *model.User) error {
		if user.MFAEnabled {
			return ErrAlreadyEnabled
		}
		secret := key.Secret()
		user.MFASecret = &secret
		user.MFABackupCodes = &hashes
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogUser(ctx, userID, audit.ActionMFASetupInitiated, "mfa", nil)
	return &SetupResult{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		QRCode:      qrCode,
		BackupCodes: codes,
	}, nil
}

func (s *TwoFactorService) VerifySetup(ctx context.Context, userID uint, code string) error {
	_, err := s.withLockedUser(ctx, userID, func(user *model.User) error {
		if user.MFAEnabled {
			return ErrAlreadyEnabled
		}
		if user.MFASecret == nil {
			return ErrSetupNotInitiated
		}
		if !s.validateCode(*user.MFASecret, code) {
			return ErrInvalidCode
		}
		user.MFAEnabled = true
		return nil
	})
	if errors.Is(err, ErrInvalidCode) {
		s.audit.LogUser(ctx, userID, audit.ActionMFAVerifyFailed, "mfa", map[string]any{"stage": "setup"})
	}
	if err != nil {
		return err
	}
	s.audit.LogUser(ctx, userID, audit.ActionMFAEnabled, "mfa", nil)
	return nil
}

// checkProof accepts exactly one of code and backupCode. A matching backup
// code is removed from user.
func (s *TwoFactorService) checkProof(user *model.User, code string, backupCode string) (bool, error) {
	if (code == "") == (backupCode == "") {
		return false, ErrInvalidCode
	}
	if code != "" {
		if user.MFASecret == nil || !s.validateCode(*user.MFASecret, code) {
			return false, ErrInvalidCode
		}
		return false, nil
	}
	remaining, ok, err := consumeBackupCode(user.MFABackupCodes, backupCode)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrInvalidCode
	}
	user.MFABackupCodes = remaining
	return true, nil
}

// Disable turns MFA off after one proof, a current code or an unused backup
// code.
func (s *TwoFactorService) Disable(ctx context.Context, userID uint, code string, backupCode string) error {
	var usedBackup bool
	_, err := s.withLockedUser(ctx, userID, func(user *model.User) error {
		if !user.MFAEnabled {
			return ErrNotEnabled
		}
		var err error
		if usedBackup, err = s.checkProof(user, code, backupCode); err != nil {
			return err
		}
		clearMFA(user)
		return nil
	})
	if errors.Is(err, ErrInvalidCode) {
		s.audit.LogUser(ctx, userID, audit.ActionMFAVerifyFailed, "mfa", map[string]any{"stage": "disable"})
	}
	if err != nil {
		return err
	}
	if usedBackup {
		s.audit.LogUser(ctx, userID, audit.ActionMFABackupCodeUsed, "mfa", map[string]any{"purpose": "disable"})
	}
	s.audit.LogUser(ctx, userID, audit.ActionMFADisabled, "mfa", nil)
	return nil
}

// VerifyLogin is the second factor of a password login.
func (s *TwoFactorService) VerifyLogin(ctx context.Context, userID uint, code string, backupCode string) error {
	var usedBackup bool
	var remaining int
	_, err := s.withLockedUser(ctx, userID, func(user *model.User) error {
		if !user.MFAEnabled {
			return ErrNotEnabled
		}
		var err error
		if usedBackup, err = s.checkProof(user, code, backupCode); err != nil {
			return err
		}
		hashes, _ := decodeBackupCodes(user.MFABackupCodes)
		remaining = len(hashes)
		return nil
	})
	if errors.Is(err, ErrInvalidCode) {
		s.audit.LogUser(ctx, userID, audit.ActionMFALoginFailed, "mfa", nil)
	}
	if err != nil {
		return err
	}
	if usedBackup {
		s.audit.LogUser(ctx, userID, audit.ActionMFABackupCodeUsed, "mfa", map[string]any{"purpose": "login", "remaining": remaining})
	}
	return nil
}

// RegenerateBackupCodes replaces every backup code, a current code is
// required.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID uint, code string) ([]string, error) {
	codes, hashes, err := generateBackupCodes(s.cost)
	if err != nil {
		return nil, err
	}
	_, err = s.withLockedUser(ctx, userID, func(user *model.User) error {
		if !user.MFAEnabled {
			return ErrNotEnabled
		}
		if user.MFASecret == nil || !s.validateCode(*user.MFASecret, code) {
			return ErrInvalidCode
		}
		user.MFABackupCodes = &hashes
		return nil
	})
	if errors.Is(err, ErrInvalidCode) {
		s.audit.LogUser(ctx, userID, audit.ActionMFAVerifyFailed, "mfa", map[string]any{"stage": "regenerate"})
	}
	if err != nil {
		return nil, err
	}
	s.audit.LogUser(ctx, userID, audit.ActionMFABackupCodesRegenerated, "mfa", nil)
	return codes, nil
}

func (s *TwoFactorService) Status(ctx context.Context, userID uint) (*Status, error) {
	user, err := s.userRepo.First(ctx, "id = ?", userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, users.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	hashes, err := decodeBackupCodes(user.MFABackupCodes)
	if err != nil {
		return nil, err
	}
	return &Status{
		Enabled:              user.MFAEnabled,
		Pending:              !user.MFAEnabled && user.MFASecret != nil,
		BackupCodesRemaining: len(hashes),
	}, nil
}

// AdminDisable clears MFA of userID without a proof.
func (s *TwoFactorService) AdminDisable(ctx context.Context, userID uint, actorID *uint) error {
	_, err := s.withLockedUser(ctx, userID, func(user *model.User) error {
		if !user.MFAEnabled && user.MFASecret == nil {
			return ErrNotEnabled
		}
		clearMFA(user)
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.Log(ctx, audit.Event{
		UserID:   actorID,
		Action:   audit.ActionMFADisabled,
		Resource: "mfa",
		Details:  map[string]any{"targetUserId": userID, "byAdmin": true},
	})
	return nil
}

func NewTwoFactorService(db *gorm.DB, userRepo users.UserRepository, auditLogger *audit.Logger, issuer string, bcryptCost int) *TwoFactorService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &TwoFactorService{
		db:       db,
		userRepo: userRepo,
		audit:    auditLogger,
		issuer:   issuer,
		cost:     bcryptCost,
		now:      time.Now,
	}
}
