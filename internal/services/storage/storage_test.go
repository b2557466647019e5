package storage

import (
	"context"
	"testing"
	"time"

	"github.com/janiproxy/janiproxy/internal/xuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetPut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := xuid.DeriveString("api-key", "salt")

	record, existed, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Empty(t, record)

	existed, err = store.Put(ctx, id, Record{"rcounter": 3})
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = store.Put(ctx, id, Record{"rcounter": 4})
	require.NoError(t, err)
	assert.True(t, existed)

	record, existed, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 4, record["rcounter"])
}

func TestMemoryStoreLockProtocol(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := xuid.DeriveString("api-key", "salt")

	acquired, err := store.Lock(ctx, id)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = store.Lock(ctx, id)
	require.NoError(t, err)
	assert.False(t, acquired, "second lock without unlock must fail")

	require.NoError(t, store.Unlock(ctx, id))

	acquired, err = store.Lock(ctx, id)
	require.NoError(t, err)
	assert.True(t, acquired, "lock must be acquirable again after unlock")

	// Locks are per user
	other := xuid.DeriveString("other-key", "salt")
	acquired, err = store.Lock(ctx, other)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryStoreUnlockNotHeld(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := xuid.DeriveString("api-key", "salt")

	// Must be swallowed, not panic or error
	assert.NoError(t, store.Unlock(ctx, id))
}

func TestMemoryStoreAnnouncement(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	assert.Empty(t, store.Announcement(ctx))
	require.NoError(t, store.SetAnnouncement(ctx, "maintenance at noon"))
	assert.Equal(t, "maintenance at noon", store.Announcement(ctx))
	require.NoError(t, store.SetAnnouncement(ctx, ""))
	assert.Empty(t, store.Announcement(ctx))
}

func TestUserSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := xuid.DeriveString("api-key", "salt")

	user, err := LoadUserSettings(ctx, store, id)
	require.NoError(t, err)
	assert.False(t, user.Exists())
	assert.Equal(t, 0, user.RequestCounter())
	assert.Equal(t, "not seen before", user.LastSeenMessage())

	user.IncrementCounter()
	user.SetUse("nobot", true)
	require.NoError(t, user.Save(ctx))

	reloaded, err := LoadUserSettings(ctx, store, id)
	require.NoError(t, err)
	assert.True(t, reloaded.Exists())
	assert.Equal(t, 1, reloaded.RequestCounter())
	assert.True(t, reloaded.Use("nobot"))
	assert.False(t, reloaded.Use("prefill"))

	_, seen := reloaded.LastSeen()
	assert.True(t, seen)
}

func TestUserSettingsLastSeen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := xuid.DeriveString("api-key", "salt")

	user, err := LoadUserSettings(ctx, store, id)
	require.NoError(t, err)

	base := time.Now()
	user.now = func() time.Time { return base }
	require.NoError(t, user.Save(ctx))

	reloaded, err := LoadUserSettings(ctx, store, id)
	require.NoError(t, err)
	reloaded.now = func() time.Time { return base.Add(90 * time.Second) }

	ago, seen := reloaded.LastSeen()
	assert.True(t, seen)
	assert.Equal(t, 90*time.Second, ago)
	assert.Equal(t, "last seen 90s ago", reloaded.LastSeenMessage())
}

func TestUserSettingsBannerMarker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := xuid.DeriveString("api-key", "salt")

	user, err := LoadUserSettings(ctx, store, id)
	require.NoError(t, err)

	assert.True(t, user.ShowBanner(2), "new banner version must show once")
	assert.False(t, user.ShowBanner(2), "same version must not show again")
	assert.True(t, user.ShowBanner(3), "bumped version shows again")
}
