package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/gosimple/slug"
)

const (
	JoinCodeLength = 6
	// no 0/O or 1/I/L: codes are read aloud and typed by hand
	joinCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// NewJoinCode draws a random code from the fixed alphabet. Uniqueness is left
// to the store's constraint on sessions.join_code.
func NewJoinCode() (string, error) {
	var b strings.Builder
	b.Grow(JoinCodeLength)
	max := big.NewInt(int64(len(joinCodeAlphabet)))
	for i := 0; i < JoinCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate join code: %w", err)
		}
		b.WriteByte(joinCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeJoinCode upper-cases and trims user input.
func NormalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidJoinCode reports whether code has the right length and alphabet.
func ValidJoinCode(code string) bool {
	if len(code) != JoinCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(joinCodeAlphabet, r) {
			return false
		}
	}
	return true
}

// ChannelName derives the broadcast channel of a session from its join code.
func ChannelName(joinCode string) string {
	return "session:" + slug.Make(NormalizeJoinCode(joinCode))
}
