package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigest(t *testing.T) {
	a := Digest([]byte("abc"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Digest([]byte("abc")))
	assert.NotEqual(t, a, Digest([]byte("abd")))
	assert.Equal(t, a[:12], ShortDigest([]byte("abc")))
}
