package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Verifier wraps the one-way password hashing scheme. Comparison is
// constant-time via bcrypt.
type Verifier struct {
	cost int
}

// NewVerifier returns a Verifier with the default bcrypt cost.
func NewVerifier() *Verifier {
	return &Verifier{cost: bcrypt.DefaultCost}
}

// Encode hashes a raw password for storage.
func (v *Verifier) Encode(raw string) ([]byte, error) {
	const op = "password.Encode"

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), v.cost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return hash, nil
}

// Matches reports whether raw matches the stored hash.
func (v *Verifier) Matches(raw string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(raw)) == nil
}
