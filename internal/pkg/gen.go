package pkg

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	PinCodeLength  = 6
	pinCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GeneratePinCode - generates a short code that two players share to pair up.
func GeneratePinCode() (string, error) {
	var builder strings.Builder
	builder.Grow(PinCodeLength)

	limit := big.NewInt(int64(len(pinCodeCharset)))
	for range PinCodeLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate pin code: %w", err)
		}
		builder.WriteByte(pinCodeCharset[n.Int64()])
	}

	return builder.String(), nil
}

// NormalizePinCode - trims and upper-cases user input, the way players type codes.
func NormalizePinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func IsValidPinCode(code string) bool {
	if len(code) != PinCodeLength {
		return false
	}

	for _, r := range code {
		if !strings.ContainsRune(pinCodeCharset, r) {
			return false
		}
	}

	return true
}

// GenerateParticipantID - generates a new unique participant identity.
func GenerateParticipantID() string {
	return uuid.NewString()
}
