package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/worldgate/internal/auth"
)

func openTestDB(t *testing.T) *AccountsDatabase {
	t.Helper()
	adb, err := NewAccountsDatabase(filepath.Join(t.TempDir(), "worldgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { adb.Close() })
	return adb
}

func TestCreateAndResolveAccount(t *testing.T) {
	adb := openTestDB(t)
	ctx := context.Background()

	acc, ticket, err := adb.CreateAccount(ctx, "Alice", []byte("secret"), auth.SecurityGameMaster, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, ticket)
	assert.Equal(t, "Alice", acc.Username)
	assert.Equal(t, auth.SecurityGameMaster, acc.Security)
	assert.Equal(t, uint8(2), acc.Expansion)
	assert.False(t, acc.Banned)

	byTicket, err := adb.AccountByTicket(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, byTicket.ID)
	assert.Equal(t, []byte("secret"), byTicket.SharedSecret)
	assert.Empty(t, byTicket.SessionKey)

	byName, err := adb.AccountByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, byName.ID)

	_, _, err = adb.CreateAccount(ctx, "ALICE", []byte("other"), auth.SecurityPlayer, 0)
	assert.Error(t, err, "usernames are unique case-insensitively")

	second, err := adb.IssueTicket(ctx, acc.ID)
	require.NoError(t, err)
	assert.NotEqual(t, ticket, second)
	resolved, err := adb.AccountByTicket(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, resolved.ID)
}

func TestUnknownAccount(t *testing.T) {
	adb := openTestDB(t)
	ctx := context.Background()

	_, err := adb.AccountByTicket(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrAccountNotFound)
	_, err = adb.AccountByID(ctx, 42)
	assert.ErrorIs(t, err, auth.ErrAccountNotFound)
	assert.ErrorIs(t, adb.SaveSessionKey(ctx, 42, []byte{1}), auth.ErrAccountNotFound)
}

func TestCreateAccountValidation(t *testing.T) {
	adb := openTestDB(t)
	ctx := context.Background()

	_, _, err := adb.CreateAccount(ctx, "  ", []byte("x"), auth.SecurityPlayer, 0)
	assert.Error(t, err)
	_, _, err = adb.CreateAccount(ctx, "bob", nil, auth.SecurityPlayer, 0)
	assert.Error(t, err)
}

func TestSaveSessionKey(t *testing.T) {
	adb := openTestDB(t)
	ctx := context.Background()

	acc, _, err := adb.CreateAccount(ctx, "alice", []byte("secret"), auth.SecurityPlayer, 0)
	require.NoError(t, err)

	key := make([]byte, 40)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, adb.SaveSessionKey(ctx, acc.ID, key))

	loaded, err := adb.AccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, key, loaded.SessionKey)
}

func TestAccountBans(t *testing.T) {
	adb := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	adb.now = func() time.Time { return now }

	acc, _, err := adb.CreateAccount(ctx, "alice", []byte("secret"), auth.SecurityPlayer, 0)
	require.NoError(t, err)

	require.NoError(t, adb.BanAccount(ctx, acc.ID, time.Hour, "spam"))
	loaded, err := adb.AccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Banned)

	now = now.Add(2 * time.Hour)
	loaded, err = adb.AccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Banned, "temporary ban expired")

	require.NoError(t, adb.BanAccount(ctx, acc.ID, 0, "permanent"))
	accounts, err := adb.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.True(t, accounts[0].Banned)
	assert.Nil(t, accounts[0].SharedSecret)

	require.NoError(t, adb.UnbanAccount(ctx, acc.ID))
	loaded, err = adb.AccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Banned)

	assert.ErrorIs(t, adb.BanAccount(ctx, 999, 0, ""), auth.ErrAccountNotFound)
}

func TestAddressBans(t *testing.T) {
	adb := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	adb.now = func() time.Time { return now }

	require.NoError(t, adb.BanAddress(ctx, "203.0.113.7", time.Minute, "flood"))
	require.NoError(t, adb.BanAddress(ctx, "198.51.100.1", 0, "abuse"))
	assert.ErrorIs(t, adb.BanAddress(ctx, "not-an-ip", 0, ""), ErrInvalidAddress)

	banned, err := adb.IsAddressBanned(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, banned)

	bans, err := adb.ListAddressBans(ctx)
	require.NoError(t, err)
	assert.Len(t, bans, 2)

	now = now.Add(2 * time.Minute)
	banned, err = adb.IsAddressBanned(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, banned)

	cleaned, err := adb.CleanExpiredBans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleaned)

	require.NoError(t, adb.UnbanAddress(ctx, "198.51.100.1"))
	banned, err = adb.IsAddressBanned(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestLocksAndCountries(t *testing.T) {
	adb := openTestDB(t)
	ctx := context.Background()

	acc, _, err := adb.CreateAccount(ctx, "alice", []byte("secret"), auth.SecurityPlayer, 0)
	require.NoError(t, err)

	require.NoError(t, adb.LockIP(ctx, acc.ID, "203.0.113.7"))
	require.NoError(t, adb.LockCountry(ctx, acc.ID, "de"))
	assert.ErrorIs(t, adb.LockIP(ctx, acc.ID, "bogus"), ErrInvalidAddress)

	loaded, err := adb.AccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", loaded.LockedIP)
	assert.Equal(t, "DE", loaded.LockCountry)

	require.NoError(t, adb.AddCountryRange(ctx, "203.0.113.0", "203.0.113.255", "de"))
	require.Error(t, adb.AddCountryRange(ctx, "10.0.0.9", "10.0.0.1", "fr"))

	country, err := adb.CountryForAddress(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "DE", country)

	country, err = adb.CountryForAddress(ctx, "192.0.2.1")
	require.NoError(t, err)
	assert.Empty(t, country)

	country, err = adb.CountryForAddress(ctx, "2001:db8::1")
	require.NoError(t, err)
	assert.Empty(t, country)

	require.NoError(t, adb.SetSecurity(ctx, acc.ID, auth.SecurityAdministrator))
	loaded, err = adb.AccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, auth.SecurityAdministrator, loaded.Security)
}

func TestStoreBehindService(t *testing.T) {
	adb := openTestDB(t)
	ctx := context.Background()
	svc := auth.NewService(adb, auth.ServiceOptions{})

	acc, ticket, err := adb.CreateAccount(ctx, "alice", []byte("secret"), auth.SecurityPlayer, 0)
	require.NoError(t, err)

	got, err := svc.AccountByTicket(ctx, ticket)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	svc.PersistSessionKey(acc.ID, []byte{9, 9, 9})
	svc.Wait()
	loaded, err := adb.AccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9}, loaded.SessionKey)
}
