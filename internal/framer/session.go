package framer

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// NewSessionID returns a random 22 character id. A random UUID keeps ids
// distinct across transfers, and the raw base64 form costs fewer characters
// in every frame than the dashed text form.
func NewSessionID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
