package payment

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	"golang.org/x/crypto/bcrypt"
)

var pinFormat = regexp.MustCompile(`^[0-9]{4}$`)

// RandomPin returns a uniformly distributed 4-digit PIN, leading zeros kept.
func RandomPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("pin entropy: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func hashPin(pin string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func pinMatches(hash, pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
