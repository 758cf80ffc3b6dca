package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// generateCode draws a uniform 6-digit verification code, zero-padded so
// "004217" is as likely as "994217".
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("drawing random code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
