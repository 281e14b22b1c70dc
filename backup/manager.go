// Package backup recovers historical room keys the bot could not
// otherwise obtain, from three sources in priority order: a pre-decrypted
// key export file, a legacy export file at a fixed fallback path, and the
// server-side key backup. It never creates a backup; it only consumes one
// that already exists.
package backup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bridgebot/transport"
)

// ErrEncryptedExportUnsupported is returned for passphrase-encrypted
// legacy export files. Decrypting them needs cipher parameters the legacy
// format never recorded; only plaintext exports are importable.
var ErrEncryptedExportUnsupported = errors.New("encrypted key export files are not supported, import a plaintext export")

// importedSuffix marks a consumed export file so a restart cannot import
// it twice.
const importedSuffix = ".imported"

// Transport is the slice of the sync client the backup manager needs.
type Transport interface {
	CheckKeyBackup(ctx context.Context) (*transport.BackupInfo, error)
	RestoreKeyBackup(ctx context.Context) (int, error)
	ImportRoomKeys(ctx context.Context, keys []transport.ExportedRoomKey) (int, error)
}

// Config holds the key-recovery parameters.
type Config struct {
	// ExportPath is the well-known drop location for pre-decrypted key
	// export files. Empty disables the source.
	ExportPath string
	// LegacyExportPath is the fixed fallback path of the old export
	// format. Empty disables the source.
	LegacyExportPath string
	// RecoveryKeyConfigured gates the encrypted-legacy-export sniff
	// and the server-side restore, both useless without the key.
	RecoveryKeyConfigured bool
	// ServerBackup enables the server-side backup source.
	ServerBackup bool
}

// Hooks are the notifications the manager raises into the rest of the
// bridge. Nil hooks are skipped.
type Hooks struct {
	// SweepPending triggers a decrypt-retry sweep after keys were
	// imported, so already-buffered events get another chance.
	SweepPending func(ctx context.Context)
	// BackupEnabled fires when a trusted server-side backup was
	// located and restored from.
	BackupEnabled func()
}

// Manager runs the key-recovery sources.
type Manager struct {
	client Transport
	cfg    Config
	hooks  Hooks
	log    *logrus.Entry
}

// NewManager creates a key backup manager.
func NewManager(client Transport, cfg Config, hooks Hooks) *Manager {
	return &Manager{
		client: client,
		cfg:    cfg,
		hooks:  hooks,
		log:    logrus.WithField("package", "backup"),
	}
}

// RecoverHistoricalKeys attempts every configured source in priority
// order. Each source is independently fault-tolerant; an absent source is
// expected and only logged.
func (m *Manager) RecoverHistoricalKeys(ctx context.Context) {
	if m.cfg.ExportPath != "" {
		if n, err := m.ImportExportFile(ctx, m.cfg.ExportPath); err != nil && !os.IsNotExist(err) {
			m.log.WithError(err).Warn("Key export import failed")
		} else if n > 0 {
			m.sweep(ctx)
		}
	}

	if m.cfg.LegacyExportPath != "" {
		if n, err := m.importLegacyExport(ctx, m.cfg.LegacyExportPath); err != nil && !os.IsNotExist(err) {
			m.log.WithError(err).Warn("Legacy key export import failed")
		} else if n > 0 {
			m.sweep(ctx)
		}
	}

	if m.cfg.ServerBackup {
		m.restoreServerBackup(ctx)
	}
}

// ImportExportFile parses a pre-decrypted key export (a JSON array of
// room-key objects), imports it, and renames the file to mark it
// consumed. Returns the number of keys imported.
func (m *Manager) ImportExportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var keys []transport.ExportedRoomKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return 0, fmt.Errorf("export file %s is not a room-key array: %w", path, err)
	}

	n, err := m.client.ImportRoomKeys(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to import keys from %s: %w", path, err)
	}

	// Rename before reporting success so a crash right here loses the
	// marker, not the keys: re-import is idempotent, double-import of
	// an unrenamed file is the case to prevent.
	if err := os.Rename(path, path+importedSuffix); err != nil {
		m.log.WithError(err).WithField("path", path).Warn("Failed to mark export file as imported")
	}

	m.log.WithFields(logrus.Fields{
		"path":     path,
		"imported": n,
	}).Info("Imported room keys from export file")
	return n, nil
}

// importLegacyExport handles the old fallback path: plaintext parse
// first, and only when that fails and a recovery key exists is the
// encrypted format considered, which is unsupported.
func (m *Manager) importLegacyExport(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var keys []transport.ExportedRoomKey
	if err := json.Unmarshal(data, &keys); err == nil {
		n, err := m.client.ImportRoomKeys(ctx, keys)
		if err != nil {
			return 0, fmt.Errorf("failed to import legacy keys from %s: %w", path, err)
		}
		if renameErr := os.Rename(path, path+importedSuffix); renameErr != nil {
			m.log.WithError(renameErr).WithField("path", path).Warn("Failed to mark legacy export as imported")
		}
		m.log.WithFields(logrus.Fields{
			"path":     path,
			"imported": n,
		}).Info("Imported room keys from legacy export file")
		return n, nil
	}

	if !m.cfg.RecoveryKeyConfigured {
		return 0, fmt.Errorf("legacy export %s is not plaintext and no recovery key is configured", path)
	}
	if _, err := base64.StdEncoding.DecodeString(string(data)); err == nil {
		return 0, ErrEncryptedExportUnsupported
	}
	return 0, fmt.Errorf("legacy export %s is neither plaintext nor a recognized encrypted export", path)
}

// restoreServerBackup checks for a trusted server-side backup and
// restores every session from it. A restore that imports at least one key
// triggers an immediate retry sweep.
func (m *Manager) restoreServerBackup(ctx context.Context) {
	if !m.cfg.RecoveryKeyConfigured {
		m.log.Warn("No recovery key configured, skipping server-side backup restore")
		return
	}

	info, err := m.client.CheckKeyBackup(ctx)
	switch {
	case errors.Is(err, transport.ErrNoBackup):
		m.log.Warn("No server-side key backup exists")
		return
	case err != nil:
		m.log.WithError(err).Warn("Key backup check failed")
		return
	}

	if !info.Trusted {
		m.log.WithField("version", info.Version).Warn("Server-side key backup is not trusted, skipping restore")
		return
	}

	if m.hooks.BackupEnabled != nil {
		m.hooks.BackupEnabled()
	}

	n, err := m.client.RestoreKeyBackup(ctx)
	if err != nil {
		m.log.WithError(err).Warn("Key backup restore failed")
		return
	}

	m.log.WithFields(logrus.Fields{
		"version":  info.Version,
		"imported": n,
	}).Info("Restored room keys from server-side backup")

	if n > 0 {
		m.sweep(ctx)
	}
}

func (m *Manager) sweep(ctx context.Context) {
	if m.hooks.SweepPending != nil {
		m.hooks.SweepPending(ctx)
	}
}

// exportDir returns the directory watched for new export files.
func (m *Manager) exportDir() string {
	if m.cfg.ExportPath == "" {
		return ""
	}
	return filepath.Dir(m.cfg.ExportPath)
}
