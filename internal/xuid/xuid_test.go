package xuid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeterminism(t *testing.T) {
	a := DeriveString("api-key-one", "salt")
	b := DeriveString("api-key-one", "salt")
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.String(), b.String())
}

func TestDeriveDistinctPairs(t *testing.T) {
	base := DeriveString("api-key-one", "salt")

	otherSecret := DeriveString("api-key-two", "salt")
	otherSalt := DeriveString("api-key-one", "pepper")

	assert.False(t, base.Equal(otherSecret))
	assert.False(t, base.Equal(otherSalt))
	assert.NotEqual(t, base.String(), otherSecret.String())
	assert.NotEqual(t, base.String(), otherSalt.String())
}

func TestStringForms(t *testing.T) {
	x := DeriveString("api-key", "salt")

	// 32-byte digest, unpadded URL-safe base64.
	require.Len(t, x.String(), 43)
	assert.NotContains(t, x.String(), "=")
	assert.NotContains(t, x.String(), "+")
	assert.NotContains(t, x.String(), "/")

	assert.Equal(t, x.String()[:ShortLen], x.Short())
	assert.Equal(t, x.String()+":lock", x.LockID())
	assert.True(t, strings.Contains(x.Pretty(), "<"+x.Short()+">"))
}

func TestEqualAnyPanicsOnForeignTypes(t *testing.T) {
	x := DeriveString("api-key", "salt")

	for _, other := range []any{nil, "string", 42, 1.5, []byte("bytes"), struct{}{}} {
		assert.Panics(t, func() { x.EqualAny(other) })
	}

	assert.True(t, x.EqualAny(DeriveString("api-key", "salt")))
}
