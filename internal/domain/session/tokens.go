package session

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/juju/errors"
)

// AuthTokens is the on-disk representation of the persistent token set:
// an object whose keys are tokens and whose values are always true.
type AuthTokens map[string]bool

// NewToken returns a fresh opaque 256-bit random token, base64-encoded.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Annotate(err, "generate auth token")
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
