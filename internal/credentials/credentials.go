package credentials

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ChildPrefix marks the derived child account of a family
const ChildPrefix = "kids_"

// UsernameKey folds a chosen username into its storage key:
// lower-cased with all whitespace removed.
func UsernameKey(username string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, username)
}

// ChildUsername derives the child account key from the parent's key.
// Parent keys can never start with ChildPrefix, so the mapping is injective.
func ChildUsername(parentKey string) string {
	return ChildPrefix + parentKey
}

// GenerateChildPIN generates the 4 digit login PIN for the child device
func GenerateChildPIN() (string, error) {
	return randomDigits(4)
}

// GenerateVerificationCode generates the 6 digit code relayed by the operator
func GenerateVerificationCode() (string, error) {
	return randomDigits(6)
}

// GenerateFamilyID builds a time+random composite id, fam_<ms>_<random>
func GenerateFamilyID(now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("fam_%d_%s", now.UnixMilli(), random[:12])
}

// randomDigits returns n decimal digits; leading zeros are kept
func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := 0; i < n; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + num.Int64())
	}
	return string(digits), nil
}
