package twofactor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/khanghh/meshauth/internal/common"
	"github.com/khanghh/meshauth/params"
	"golang.org/x/crypto/bcrypt"
)

const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateBackupCode() (string, error) {
	return common.RandomString(params.BackupCodeLength, backupCodeAlphabet)
}

// generateBackupCodes returns a batch of plaintext codes and the JSON array of
// their hashes.
func generateBackupCodes(cost int) ([]string, string, error) {
	codes := make([]string, 0, params.BackupCodeCount)
	hashes := make([]string, 0, params.BackupCodeCount)
	for i := 0; i < params.BackupCodeCount; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, "", err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
		if err != nil {
			return nil, "", err
		}
		codes = append(codes, code)
		hashes = append(hashes, string(hash))
	}
	encoded, err := json.Marshal(hashes)
	if err != nil {
		return nil, "", err
	}
	return codes, string(encoded), nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func decodeBackupCodes(stored *string) ([]string, error) {
	if stored == nil || *stored == "" {
		return nil, nil
	}
	var hashes []string
	if err := json.Unmarshal([]byte(*stored), &hashes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCodeStore, err)
	}
	return hashes, nil
}

// consumeBackupCode removes the hash matching code from stored. It returns
// the remaining store and whether a code matched.
func consumeBackupCode(stored *string, code string) (*string, bool, error) {
	hashes, err := decodeBackupCodes(stored)
	if err != nil {
		return stored, false, err
	}
	code = normalizeBackupCode(code)
	if len(code) != params.BackupCodeLength {
		return stored, false, nil
	}
	for i, hash := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
			continue
		}
		remaining := append(hashes[:i:i], hashes[i+1:]...)
		encoded, err := json.Marshal(remaining)
		if err != nil {
			return stored, false, err
		}
		result := string(encoded)
		return &result, true, nil
	}
	return stored, false, nil
}
