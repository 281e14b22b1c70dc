package backup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bridgebot/transport"
)

type mockTransport struct {
	mu sync.Mutex

	backupInfo *transport.BackupInfo
	backupErr  error
	restoreN   int
	restoreErr error
	restores   int
	imported   [][]transport.ExportedRoomKey
	importErr  error
}

func (m *mockTransport) CheckKeyBackup(ctx context.Context) (*transport.BackupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupInfo, m.backupErr
}

func (m *mockTransport) RestoreKeyBackup(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores++
	return m.restoreN, m.restoreErr
}

func (m *mockTransport) ImportRoomKeys(ctx context.Context, keys []transport.ExportedRoomKey) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.importErr != nil {
		return 0, m.importErr
	}
	m.imported = append(m.imported, keys)
	return len(keys), nil
}

func (m *mockTransport) importedBatches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.imported)
}

type hookRecorder struct {
	mu      sync.Mutex
	sweeps  int
	enabled int
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		SweepPending: func(ctx context.Context) {
			h.mu.Lock()
			h.sweeps++
			h.mu.Unlock()
		},
		BackupEnabled: func() {
			h.mu.Lock()
			h.enabled++
			h.mu.Unlock()
		},
	}
}

func writeExportFile(t *testing.T, dir, name string, keys []transport.ExportedRoomKey) string {
	t.Helper()
	data, err := json.Marshal(keys)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func sampleKeys() []transport.ExportedRoomKey {
	return []transport.ExportedRoomKey{
		{
			Algorithm:  "m.megolm.v1.aes-sha2",
			RoomID:     "!room:example.com",
			SessionID:  "sess-1",
			SenderKey:  "senderkey",
			SessionKey: "sessionkey",
		},
	}
}

func TestImportExportFile(t *testing.T) {
	dir := t.TempDir()
	path := writeExportFile(t, dir, "keys.json", sampleKeys())

	client := &mockTransport{}
	rec := &hookRecorder{}
	m := NewManager(client, Config{ExportPath: path}, rec.hooks())

	n, err := m.ImportExportFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "the consumed file is renamed away")
	_, err = os.Stat(path + importedSuffix)
	assert.NoError(t, err)
}

func TestImportExportFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	require.NoError(t, os.WriteFile(path, []byte("{not an array}"), 0o600))

	client := &mockTransport{}
	m := NewManager(client, Config{}, Hooks{})

	_, err := m.ImportExportFile(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, 0, client.importedBatches())
}

func TestRecoverSweepsAfterExportImport(t *testing.T) {
	dir := t.TempDir()
	path := writeExportFile(t, dir, "keys.json", sampleKeys())

	client := &mockTransport{backupErr: transport.ErrNoBackup}
	rec := &hookRecorder{}
	m := NewManager(client, Config{ExportPath: path, ServerBackup: true}, rec.hooks())

	m.RecoverHistoricalKeys(context.Background())

	assert.Equal(t, 1, rec.sweeps)
	assert.Equal(t, 0, rec.enabled)
}

func TestRecoverMissingSourcesAreSilent(t *testing.T) {
	client := &mockTransport{}
	rec := &hookRecorder{}
	m := NewManager(client, Config{
		ExportPath:       filepath.Join(t.TempDir(), "never-written.json"),
		LegacyExportPath: filepath.Join(t.TempDir(), "also-missing.json"),
	}, rec.hooks())

	m.RecoverHistoricalKeys(context.Background())

	assert.Equal(t, 0, rec.sweeps)
	assert.Equal(t, 0, client.importedBatches())
}

func TestLegacyExportPlaintextImports(t *testing.T) {
	dir := t.TempDir()
	path := writeExportFile(t, dir, "legacy.json", sampleKeys())

	client := &mockTransport{}
	m := NewManager(client, Config{}, Hooks{})

	n, err := m.importLegacyExport(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(path + importedSuffix)
	assert.NoError(t, err)
}

func TestLegacyExportEncryptedIsUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.bin")
	encrypted := base64.StdEncoding.EncodeToString([]byte("sealed key material"))
	require.NoError(t, os.WriteFile(path, []byte(encrypted), 0o600))

	client := &mockTransport{}
	m := NewManager(client, Config{RecoveryKeyConfigured: true}, Hooks{})

	_, err := m.importLegacyExport(context.Background(), path)
	assert.True(t, errors.Is(err, ErrEncryptedExportUnsupported))
}

func TestLegacyExportEncryptedWithoutRecoveryKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.bin")
	require.NoError(t, os.WriteFile(path, []byte("bm90IGpzb24"), 0o600))

	client := &mockTransport{}
	m := NewManager(client, Config{RecoveryKeyConfigured: false}, Hooks{})

	_, err := m.importLegacyExport(context.Background(), path)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEncryptedExportUnsupported))
}

func TestServerRestoreRequiresRecoveryKey(t *testing.T) {
	client := &mockTransport{
		backupInfo: &transport.BackupInfo{Version: "3", Trusted: true},
	}
	rec := &hookRecorder{}
	m := NewManager(client, Config{ServerBackup: true}, rec.hooks())

	m.RecoverHistoricalKeys(context.Background())

	assert.Equal(t, 0, client.restores)
}

func TestServerRestoreSkipsUntrustedBackup(t *testing.T) {
	client := &mockTransport{
		backupInfo: &transport.BackupInfo{Version: "3", Trusted: false},
	}
	rec := &hookRecorder{}
	m := NewManager(client, Config{ServerBackup: true, RecoveryKeyConfigured: true}, rec.hooks())

	m.RecoverHistoricalKeys(context.Background())

	assert.Equal(t, 0, client.restores)
	assert.Equal(t, 0, rec.enabled)
}

func TestServerRestoreImportsAndSweeps(t *testing.T) {
	client := &mockTransport{
		backupInfo: &transport.BackupInfo{Version: "3", Trusted: true},
		restoreN:   7,
	}
	rec := &hookRecorder{}
	m := NewManager(client, Config{ServerBackup: true, RecoveryKeyConfigured: true}, rec.hooks())

	m.RecoverHistoricalKeys(context.Background())

	assert.Equal(t, 1, client.restores)
	assert.Equal(t, 1, rec.enabled)
	assert.Equal(t, 1, rec.sweeps)
}

func TestServerRestoreEmptyBackupDoesNotSweep(t *testing.T) {
	client := &mockTransport{
		backupInfo: &transport.BackupInfo{Version: "3", Trusted: true},
		restoreN:   0,
	}
	rec := &hookRecorder{}
	m := NewManager(client, Config{ServerBackup: true, RecoveryKeyConfigured: true}, rec.hooks())

	m.RecoverHistoricalKeys(context.Background())

	assert.Equal(t, 1, client.restores)
	assert.Equal(t, 0, rec.sweeps)
}
