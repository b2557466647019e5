package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/janiproxy/janiproxy/internal/xuid"
)

// Record keys. The record is flat so both backends can serialize it as a
// plain JSON object.
const (
	keyVersion        = "version"
	keyRequestCounter = "rcounter"
	keyFirstSeen      = "timestamp_first_seen"
	keyLastSeen       = "timestamp_last_seen"
	keyBanner         = "banner"

	recordVersion = 1
)

// UserSettings manages a user's persisted record for the duration of one
// request: loaded once at request start, mutated in place, saved at most
// once at request end. Concurrent mutation is prevented by the store's
// per-user lock, not by record versioning.
type UserSettings struct {
	store  Store
	id     xuid.XUID
	data   Record
	exists bool
	valid  bool

	now func() time.Time
}

// LoadUserSettings loads (or implicitly creates) the user's record
func LoadUserSettings(ctx context.Context, store Store, id xuid.XUID) (*UserSettings, error) {
	u := &UserSettings{
		store: store,
		id:    id,
		valid: true,
		now:   time.Now,
	}

	data, exists, err := store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load user settings: %w", err)
	}

	u.data = data
	u.exists = exists

	if !exists {
		u.data[keyFirstSeen] = u.now().Unix()
	}
	u.data[keyVersion] = recordVersion

	return u, nil
}

// Exists reports whether the user had a record before this request
func (u *UserSettings) Exists() bool {
	return u.exists
}

// XUID returns the user's identity
func (u *UserSettings) XUID() xuid.XUID {
	return u.id
}

// RequestCounter returns the user's accepted-request counter
func (u *UserSettings) RequestCounter() int {
	return u.getInt(keyRequestCounter)
}

// IncrementCounter increases the request counter by one
func (u *UserSettings) IncrementCounter() {
	u.data[keyRequestCounter] = u.RequestCounter() + 1
}

// Use returns the sticky toggle state for a directive family
func (u *UserSettings) Use(name string) bool {
	v, _ := u.data["use_"+name].(bool)
	return v
}

// SetUse sets the sticky toggle state for a directive family
func (u *UserSettings) SetUse(name string, value bool) {
	u.data["use_"+name] = value
}

// LastSeen returns how long ago the user was last seen. The bool is false
// for a user never seen before.
func (u *UserSettings) LastSeen() (time.Duration, bool) {
	seconds := u.getInt(keyLastSeen)
	if seconds == 0 {
		return 0, false
	}
	return time.Duration(u.now().Unix()-int64(seconds)) * time.Second, true
}

// LastSeenMessage returns a human-readable form of LastSeen
func (u *UserSettings) LastSeenMessage() string {
	if ago, ok := u.LastSeen(); ok {
		return fmt.Sprintf("last seen %ds ago", int(ago.Seconds()))
	}
	return "not seen before"
}

// ShowBanner reports whether the given banner version has not been shown
// to the user yet, and marks it as shown.
func (u *UserSettings) ShowBanner(version int) bool {
	if u.getInt(keyBanner) == version {
		return false
	}
	u.data[keyBanner] = version
	return true
}

// Valid reports whether the record may be persisted. It is cleared when
// the upstream rejects the credential, so no state is written for a caller
// who may not legitimately own this identity.
func (u *UserSettings) Valid() bool {
	return u.valid
}

// Invalidate prevents the record from being persisted this request
func (u *UserSettings) Invalidate() {
	u.valid = false
}

// Save refreshes the last-seen timestamp and persists the record
func (u *UserSettings) Save(ctx context.Context) error {
	u.data[keyLastSeen] = u.now().Unix()
	if _, err := u.store.Put(ctx, u.id, u.data); err != nil {
		return fmt.Errorf("failed to save user settings: %w", err)
	}
	return nil
}

// getInt reads an integer field regardless of whether the record came
// straight from memory or through a JSON round trip.
func (u *UserSettings) getInt(key string) int {
	switch v := u.data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
