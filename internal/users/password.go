package users

import (
	"github.com/khanghh/meshauth/internal/common"
	"github.com/khanghh/meshauth/params"
	"golang.org/x/crypto/bcrypt"
)

const passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// PasswordHasher hashes local credentials with bcrypt at a fixed cost.
type PasswordHasher struct {
	cost int
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (h *PasswordHasher) Verify(password string, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (h *PasswordHasher) Cost() int {
	return h.cost
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	cost = max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))
	return &PasswordHasher{cost: cost}
}

func validatePassword(password string) error {
	if len(password) < params.MinPasswordLength {
		return ErrWeakPassword
	}
	if len(password) > 72 {
		return ErrPasswordTooLong
	}
	return nil
}

func generatePassword() (string, error) {
	return common.RandomString(params.GeneratedPasswordLength, passwordAlphabet)
}
