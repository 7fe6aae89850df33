package identity

import "golang.org/x/crypto/bcrypt"

// MinBcryptCost is the bcrypt cost HashPassword hashes at, following the
// teacher's server/api.go minimum. VerifyPassword accepts a hash of any cost.
const MinBcryptCost = 12

// HashPassword hashes plaintext at MinBcryptCost.
func HashPassword(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), MinBcryptCost)
}

// VerifyPassword reports whether plaintext matches hash. It does not
// distinguish wrong-password from malformed-hash: both are "no match" to
// the caller.
func VerifyPassword(plaintext string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}
