package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no usable persisted artifact exists. Read and
// parse failures collapse into it as well: callers always regenerate rather
// than crash on corrupt state.
var ErrNotFound = errors.New("identity: not found")

// SessionArtifact wraps the opaque serialized authentication state produced
// by a successful login. The blob is owned by the source client; the store
// never inspects it.
type SessionArtifact struct {
	AccountID string          `json:"account_id"`
	SavedAt   time.Time       `json:"saved_at"`
	Blob      json.RawMessage `json:"blob"`
}

// Store persists device fingerprints and session artifacts under a state
// directory. All writes are write-temp-then-rename so a crash mid-write
// never leaves a truncated file behind.
type Store struct {
	dir string
	log zerolog.Logger
}

func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{
		dir: dir,
		log: log.With().Str("component", "identity").Logger(),
	}, nil
}

func (s *Store) devicePath(accountID string) string {
	return filepath.Join(s.dir, "device-"+accountID+".json")
}

func (s *Store) sessionPath() string { return filepath.Join(s.dir, "session.json") }
func (s *Store) cookiePath() string  { return filepath.Join(s.dir, "cookies.json") }

// LoadDevice returns the persisted fingerprint for the account, or
// ErrNotFound if it is absent, unreadable, or recorded for a different
// account id.
func (s *Store) LoadDevice(accountID string) (*DeviceFingerprint, error) {
	data, err := os.ReadFile(s.devicePath(accountID))
	if err != nil {
		return nil, ErrNotFound
	}
	var fp DeviceFingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		s.log.Warn().Err(err).Msg("Discarding unparseable device fingerprint")
		return nil, ErrNotFound
	}
	if fp.AccountID != accountID {
		s.log.Warn().
			Str("stored", fp.AccountID).
			Str("wanted", accountID).
			Msg("Device fingerprint belongs to a different account, regenerating")
		return nil, ErrNotFound
	}
	return &fp, nil
}

func (s *Store) SaveDevice(accountID string, fp *DeviceFingerprint) error {
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return err
	}
	return s.writeAtomic(s.devicePath(accountID), data)
}

// EnsureDevice loads the account's fingerprint, generating and persisting a
// fresh one when nothing usable is stored.
func (s *Store) EnsureDevice(accountID string) (*DeviceFingerprint, error) {
	fp, err := s.LoadDevice(accountID)
	if err == nil {
		return fp, nil
	}
	fp = NewDeviceFingerprint(accountID)
	if err := s.SaveDevice(accountID, fp); err != nil {
		return nil, fmt.Errorf("persist device fingerprint: %w", err)
	}
	s.log.Info().Str("device_id", fp.DeviceID).Msg("Generated new device fingerprint")
	return fp, nil
}

func (s *Store) LoadSession() (*SessionArtifact, error) {
	data, err := os.ReadFile(s.sessionPath())
	if err != nil {
		return nil, ErrNotFound
	}
	var art SessionArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		s.log.Warn().Err(err).Msg("Discarding unparseable session artifact")
		return nil, ErrNotFound
	}
	if len(art.Blob) == 0 {
		return nil, ErrNotFound
	}
	return &art, nil
}

// SaveSession overwrites the session artifact. A write failure is surfaced:
// the caller must not assume the session survived the process.
func (s *Store) SaveSession(art *SessionArtifact) error {
	art.SavedAt = time.Now().UTC()
	data, err := json.Marshal(art)
	if err != nil {
		return err
	}
	return s.writeAtomic(s.sessionPath(), data)
}

// LoadCookies reads a legacy cookie-jar export if one was dropped into the
// state directory. The store only reads this format; successful cookie
// logins are upgraded to session artifacts by the login engine.
func (s *Store) LoadCookies() ([]byte, error) {
	data, err := os.ReadFile(s.cookiePath())
	if err != nil || len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
