package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func storeTestUser(t *testing.T, db *DB, username, password string) *User {
	u := &User{Username: username}
	require.NoError(t, u.SetPassword(password))
	require.NoError(t, db.StoreUser(u))
	require.NotZero(t, u.ID)
	return u
}

func TestAuthUser(t *testing.T) {
	db := openTestDB(t)
	storeTestUser(t, db, "alice", "hunter2")

	u, err := db.AuthUser("alice", "hunter2")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.Username)

	u, err = db.AuthUser("alice", "wrong")
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = db.AuthUser("nobody", "hunter2")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestAuthUserNetwork(t *testing.T) {
	db := openTestDB(t)
	owner := storeTestUser(t, db, "alice", "hunter2")

	require.NoError(t, db.StoreNetwork(&Network{
		UserID: owner.ID,
		Name:   "freenode",
		Host:   "irc.example.org",
		Port:   6697,
		TLS:    true,
		Nick:   "alice",
	}))

	n, err := db.AuthUserNetwork("alice", "hunter2", "freenode")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, owner.ID, n.UserID)
	assert.Equal(t, "irc.example.org", n.Host)

	n, err = db.AuthUserNetwork("alice", "wrong", "freenode")
	require.NoError(t, err)
	assert.Nil(t, n)

	n, err = db.AuthUserNetwork("alice", "hunter2", "no-such-net")
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestNetworkLookups(t *testing.T) {
	db := openTestDB(t)
	owner := storeTestUser(t, db, "alice", "hunter2")
	other := storeTestUser(t, db, "bob", "hunter2")

	require.NoError(t, db.StoreNetwork(&Network{UserID: owner.ID, Name: "one", Host: "a", Port: 6667}))
	require.NoError(t, db.StoreNetwork(&Network{UserID: owner.ID, Name: "two", Host: "b", Port: 6667}))
	require.NoError(t, db.StoreNetwork(&Network{UserID: other.ID, Name: "one", Host: "c", Port: 6667}))

	// Lookups are scoped to the owning user.
	n, err := db.GetNetworkByName(owner.ID, "one")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "a", n.Host)

	n, err = db.GetNetworkByName(other.ID, "two")
	require.NoError(t, err)
	assert.Nil(t, n)

	networks, err := db.GetUserNetworks(owner.ID)
	require.NoError(t, err)
	assert.Len(t, networks, 2)

	require.NoError(t, db.DeleteNetwork(networks[0].ID))
	networks, err = db.GetUserNetworks(owner.ID)
	require.NoError(t, err)
	assert.Len(t, networks, 1)
}

func TestConnectionUpsert(t *testing.T) {
	db := openTestDB(t)

	rec := &Connection{
		ConID: "upstream.1.1",
		Type:  0,
		Nick:  "first",
	}
	require.NoError(t, db.StoreConnection(rec))

	rec.Nick = "second"
	rec.Connected = true
	require.NoError(t, db.StoreConnection(rec))

	got, err := db.GetConnection("upstream.1.1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Nick)
	assert.True(t, got.Connected)

	got, err = db.GetConnection("no-such-con")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListConnectionsByType(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.StoreConnection(&Connection{ConID: "upstream.1.1", Type: 0}))
	require.NoError(t, db.StoreConnection(&Connection{ConID: "upstream.1.2", Type: 0}))
	require.NoError(t, db.StoreConnection(&Connection{ConID: "downstream.1", Type: 1}))

	recs, err := db.ListConnectionsByType(0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, db.DeleteConnection("upstream.1.1"))
	recs, err = db.ListConnectionsByType(0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
