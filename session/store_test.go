package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		UserID:      "@bot:example.com",
		DeviceID:    "BOTDEV",
		AccessToken: "token-1",
		Homeserver:  "https://example.com",
		IssuedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "session.json"), 0)

	rec := sampleRecord()
	require.NoError(t, store.Save(rec))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, rec, loaded)
}

func TestSaveRejectsIncompleteRecord(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "session.json"), 0)

	rec := sampleRecord()
	rec.DeviceID = ""
	assert.Error(t, store.Save(rec))
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "session.json"), 0)

	_, err := store.Load()
	assert.True(t, os.IsNotExist(err))
}

func TestBackupRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewStore(path, 2)

	for i, token := range []string{"token-1", "token-2", "token-3"} {
		rec := sampleRecord()
		rec.AccessToken = token
		require.NoError(t, store.Save(rec), "save %d", i)
	}

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "token-3", loaded.AccessToken)

	one, err := store.loadFile(path + ".bak1")
	require.NoError(t, err)
	assert.Equal(t, "token-2", one.AccessToken)

	two, err := store.loadFile(path + ".bak2")
	require.NoError(t, err)
	assert.Equal(t, "token-1", two.AccessToken)
}

func TestRotationDropsOldestGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewStore(path, 2)

	for _, token := range []string{"a", "b", "c", "d"} {
		rec := sampleRecord()
		rec.AccessToken = token
		require.NoError(t, store.Save(rec))
	}

	_, err := os.Stat(path + ".bak3")
	assert.True(t, os.IsNotExist(err), "only the configured number of generations is kept")
}

func TestLoadFallsBackToBackupOnCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewStore(path, 2)

	first := sampleRecord()
	require.NoError(t, store.Save(first))
	second := sampleRecord()
	second.AccessToken = "token-2"
	require.NoError(t, store.Save(second))

	require.NoError(t, os.WriteFile(path, []byte("{corrupted"), 0o600))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, loaded.AccessToken, "the newest readable backup wins")
}

func TestLoadFailsWhenEverythingIsCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewStore(path, 2)

	require.NoError(t, store.Save(sampleRecord()))
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o600))
	require.NoError(t, os.WriteFile(path+".bak1", []byte("junk"), 0o600))

	_, err := store.Load()
	assert.Error(t, err)
}
