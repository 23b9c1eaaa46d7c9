package password

import (
	"golang.org/x/crypto/bcrypt"
)

// Codec is the slow salted one-way hash shared by account passwords and
// one-time codes.
type Codec interface {
	Hash(secret string) (string, error)
	Verify(secret, digest string) bool
}

type BcryptCodec struct {
	cost int
}

func NewBcryptCodec(cost int) *BcryptCodec {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptCodec{cost: cost}
}

func (c *BcryptCodec) Hash(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), c.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify never errors: a malformed digest is treated as a mismatch.
func (c *BcryptCodec) Verify(secret, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
}
