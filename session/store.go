// Package session persists the transport login (user id, device id,
// access token) across restarts. The device id must stay stable between
// runs or cross-signing continuity breaks, so the store keeps rotating
// backups: a corrupted write never loses all history.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBackups is the number of backup generations kept.
const DefaultBackups = 3

// Record is the persisted login session.
type Record struct {
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	AccessToken string    `json:"access_token"`
	Homeserver  string    `json:"homeserver"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Validate checks the fields a usable session needs.
func (r *Record) Validate() error {
	if r.UserID == "" {
		return errors.New("session record has no user id")
	}
	if r.DeviceID == "" {
		return errors.New("session record has no device id")
	}
	if r.AccessToken == "" {
		return errors.New("session record has no access token")
	}
	return nil
}

// Store reads and writes the session file with backup rotation.
type Store struct {
	path    string
	backups int
	log     *logrus.Entry
}

// NewStore creates a session store. backups <= 0 uses DefaultBackups.
func NewStore(path string, backups int) *Store {
	if backups <= 0 {
		backups = DefaultBackups
	}
	return &Store{
		path:    path,
		backups: backups,
		log:     logrus.WithField("package", "session"),
	}
}

func (s *Store) backupPath(n int) string {
	return fmt.Sprintf("%s.bak%d", s.path, n)
}

// Save writes the record, rotating the previous file into the backup
// chain first. The write itself goes through a temp file and rename so a
// crash mid-write cannot corrupt the primary.
func (s *Store) Save(rec *Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid session: %w", err)
	}

	s.rotate()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit session file: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"user":   rec.UserID,
		"device": rec.DeviceID,
	}).Debug("Saved session record")
	return nil
}

// rotate shifts existing generations up by one and moves the current
// primary into the first backup slot. Rotation failures are logged, not
// fatal: losing a backup generation must not block saving the session.
func (s *Store) rotate() {
	if _, err := os.Stat(s.path); err != nil {
		return
	}

	os.Remove(s.backupPath(s.backups))
	for n := s.backups - 1; n >= 1; n-- {
		if _, err := os.Stat(s.backupPath(n)); err == nil {
			if err := os.Rename(s.backupPath(n), s.backupPath(n+1)); err != nil {
				s.log.WithError(err).Warn("Session backup rotation failed")
			}
		}
	}
	if err := os.Rename(s.path, s.backupPath(1)); err != nil {
		s.log.WithError(err).Warn("Failed to rotate session file into backup slot")
	}
}

// Load reads the session record, falling back through the backup chain
// when the primary is missing or corrupted.
func (s *Store) Load() (*Record, error) {
	rec, err := s.loadFile(s.path)
	if err == nil {
		return rec, nil
	}
	if os.IsNotExist(err) && !s.anyBackupExists() {
		return nil, err
	}

	s.log.WithError(err).Warn("Primary session file unreadable, trying backups")
	for n := 1; n <= s.backups; n++ {
		rec, bakErr := s.loadFile(s.backupPath(n))
		if bakErr == nil {
			s.log.WithField("backup", n).Info("Recovered session from backup")
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no readable session file: %w", err)
}

func (s *Store) anyBackupExists() bool {
	for n := 1; n <= s.backups; n++ {
		if _, err := os.Stat(s.backupPath(n)); err == nil {
			return true
		}
	}
	return false
}

func (s *Store) loadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session file %s is corrupted: %w", path, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("session file %s is incomplete: %w", path, err)
	}
	return &rec, nil
}
