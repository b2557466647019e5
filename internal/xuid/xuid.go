// Package xuid implements anonymous user identification.
//
// The proxy never sees any user-unique data except their API keys. Hashing
// an API key with a secret salt yields a stable, opaque identifier (XUID)
// that can be used as a storage and lock key without ever storing the key.
package xuid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ShortLen is the number of characters of the short XUID form. The short
// form is cosmetic (log lines) and has a higher collision risk than the
// full form.
const ShortLen = 8

// ANSI foreground colors for the pretty form. Black and white are excluded
// because one of them is unreadable on any terminal theme.
var colorPalette = []string{
	"\x1b[31m", // red
	"\x1b[32m", // green
	"\x1b[33m", // yellow
	"\x1b[34m", // blue
	"\x1b[35m", // magenta
	"\x1b[36m", // cyan
}

const colorReset = "\x1b[39m"

// XUID is an anonymous user identifier derived from (secret, salt).
//
// XUIDs must only ever be compared with other XUIDs. Use Equal for typed
// comparisons; EqualAny panics when handed anything that is not a XUID,
// which is the intended behavior: such a comparison is a severe program
// error that must not fail silently.
type XUID struct {
	raw [sha256.Size]byte
	str string
}

// Derive computes the XUID for a caller secret under the process salt.
// Any non-empty byte sequences are valid input; identical pairs always
// yield equal XUIDs.
func Derive(secret, salt []byte) XUID {
	mac := hmac.New(sha256.New, salt)
	mac.Write(secret)

	var x XUID
	copy(x.raw[:], mac.Sum(nil))
	x.str = base64.RawURLEncoding.EncodeToString(x.raw[:])
	return x
}

// DeriveString is Derive for string inputs.
func DeriveString(secret, salt string) XUID {
	return Derive([]byte(secret), []byte(salt))
}

// String returns the full XUID form. This is safe to handle and is the
// canonical storage key.
func (x XUID) String() string {
	return x.str
}

// Short returns the shortened XUID form, for log lines only.
func (x XUID) Short() string {
	return x.str[:ShortLen]
}

// LockID returns the key form used to identify this user's lock, distinct
// from the data key.
func (x XUID) LockID() string {
	return x.str + ":lock"
}

// Pretty returns a colored, shortened form for log output. The color is
// picked from the digest so a user keeps their color across requests.
func (x XUID) Pretty() string {
	color := colorPalette[int(x.raw[len(x.raw)-1])%len(colorPalette)]
	return fmt.Sprintf("%s<%s>%s", color, x.Short(), colorReset)
}

// Equal reports whether both XUIDs identify the same (secret, salt) pair.
func (x XUID) Equal(other XUID) bool {
	return x.raw == other.raw
}

// EqualAny compares a XUID against an arbitrary value. It panics unless
// the value is a XUID, even for nil. A XUID finding its way into a
// heterogeneous comparison is a bug that must surface loudly.
func (x XUID) EqualAny(other any) bool {
	o, ok := other.(XUID)
	if !ok {
		panic(fmt.Sprintf("xuid: cannot compare a XUID with %T", other))
	}
	return x.Equal(o)
}
