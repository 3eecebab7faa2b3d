package transfer

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
)

// PINDigits is the fixed width of a consent PIN.
const PINDigits = 6

var pinSpace = big.NewInt(1_000_000)

// GeneratePIN returns a uniformly sampled zero-padded numeric PIN.
func GeneratePIN() (string, error) {
	n, err := rand.Int(rand.Reader, pinSpace)
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", PINDigits, n.Int64()), nil
}

// PINsEqual compares two PINs in constant time, ignoring surrounding whitespace.
func PINsEqual(expected, entered string) bool {
	a := []byte(strings.TrimSpace(expected))
	b := []byte(strings.TrimSpace(entered))
	if len(a) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
