// Package secretstore defines the Secret Store capability: a
// scoped credential/key vault keyed by (tenant, organization, device). The
// OS keychain itself is an external collaborator; this package defines the
// SecretStore interface every composition root wires against, plus a
// reference implementation backed by a JSON file whose encryption-key
// fields are AES-GCM-sealed, used where no
// platform keychain binding is available (tests, headless CI, Linux
// without a keyring daemon).
package secretstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrian-moloca/dental-sub010/pkg/security"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

// ErrBackendUnavailable is returned when the underlying secret backend
// could not be reached (transient; callers should propagate, not treat as
// absent).
var ErrBackendUnavailable = errors.New("secretstore: backend unavailable")

// ErrNotFound is returned by Load/LoadLocalPIN when no secrets are present
// for the given scope. This is a normal, expected condition (e.g. before
// first registration).
var ErrNotFound = errors.New("secretstore: not found")

// Scope identifies the (tenant, organization, device) triple a secret is
// bound to, composing the key as "tenant:organization:device:suffix".
type Scope struct {
	TenantID       string
	OrganizationID string
	DeviceID       string
}

func (s Scope) key(suffix string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.TenantID, s.OrganizationID, s.DeviceID, suffix)
}

// Store is the Secret Store capability. Every outbound call that needs
// device credentials goes through a Store, not a direct keychain binding.
type Store interface {
	// Save persists secrets for scope. Overwrites any prior value.
	Save(scope Scope, secrets types.DeviceSecrets) error
	// Load returns the secrets for scope, or ErrNotFound if the minimum
	// required triple (access token, encryption key, last-login) is not
	// fully present. Partial residue is treated as absent.
	Load(scope Scope) (types.DeviceSecrets, error)
	// Clear removes all secrets for scope (idempotent).
	Clear(scope Scope) error

	// SaveLocalPIN persists the session-lock PIN hash for scope.
	SaveLocalPIN(scope Scope, pinHash string) error
	// LoadLocalPIN returns the PIN hash for scope, or ErrNotFound.
	LoadLocalPIN(scope Scope) (string, error)
	// ClearLocalPIN removes the PIN hash for scope (idempotent).
	ClearLocalPIN(scope Scope) error
}

// record is the on-disk (post-decryption) representation of one scope's
// secrets. The suffix-addressed fields are grouped here rather than
// stored as four separate keychain entries, since the reference backend
// is a single file rather than a real OS keychain; the (tenant,
// organization, device, suffix) addressing is preserved through
// Scope.key for backends that do store one entry per suffix.
type record struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	EncryptedKey []byte    `json:"encryptedKey"`
	LastLoginAt  time.Time `json:"lastLoginAt"`
	PINHash      string    `json:"pinHash,omitempty"`
}

func (r record) complete() bool {
	return r.AccessToken != "" && len(r.EncryptedKey) > 0 && !r.LastLoginAt.IsZero()
}

// FileStore is a Store backed by a single JSON file on disk, one record
// per Scope. masterKey seals every record's encryption_key field at rest,
// so the stored encryption_key is never written in the clear; the access
// token, refresh token, last-login time and PIN hash are written unsealed.
type FileStore struct {
	mu       sync.Mutex
	path     string
	envelope *security.Envelope
	records  map[string]record
}

// NewFileStore opens (or creates) a FileStore at path, sealing the
// per-device encryption keys with masterKey (32 bytes).
func NewFileStore(path string, masterKey []byte) (*FileStore, error) {
	env, err := security.NewEnvelope(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secretstore: %w", err)
	}
	fs := &FileStore{
		path:     path,
		envelope: env,
		records:  make(map[string]record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var records map[string]record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("%w: corrupt secret store file: %v", ErrBackendUnavailable, err)
	}
	fs.records = records
	return nil
}

func (fs *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	data, err := json.Marshal(fs.records)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := os.WriteFile(fs.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (fs *FileStore) Save(scope Scope, secrets types.DeviceSecrets) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sealedKey, err := fs.envelope.Seal(secrets.EncryptionKey)
	if err != nil {
		return fmt.Errorf("secretstore: failed to seal encryption key: %w", err)
	}

	lastLogin := secrets.LastLoginAt
	if lastLogin.IsZero() {
		lastLogin = time.Now()
	}

	existing := fs.records[scope.key("")]
	existing.AccessToken = secrets.DeviceAccessToken
	existing.RefreshToken = secrets.DeviceRefreshToken
	existing.EncryptedKey = sealedKey
	existing.LastLoginAt = lastLogin
	fs.records[scope.key("")] = existing

	return fs.persist()
}

func (fs *FileStore) Load(scope Scope) (types.DeviceSecrets, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.records[scope.key("")]
	if !ok || !rec.complete() {
		return types.DeviceSecrets{}, ErrNotFound
	}

	key, err := fs.envelope.Open(rec.EncryptedKey)
	if err != nil {
		return types.DeviceSecrets{}, fmt.Errorf("%w: failed to unseal encryption key: %v", ErrBackendUnavailable, err)
	}

	return types.DeviceSecrets{
		DeviceAccessToken:  rec.AccessToken,
		DeviceRefreshToken: rec.RefreshToken,
		EncryptionKey:      key,
		LastLoginAt:        rec.LastLoginAt,
		LocalPINHash:       rec.PINHash,
	}, nil
}

func (fs *FileStore) Clear(scope Scope) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.records[scope.key("")]
	if ok {
		rec.AccessToken = ""
		rec.RefreshToken = ""
		rec.EncryptedKey = nil
		rec.LastLoginAt = time.Time{}
		fs.records[scope.key("")] = rec
	}
	return fs.persist()
}

func (fs *FileStore) SaveLocalPIN(scope Scope, pinHash string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec := fs.records[scope.key("")]
	rec.PINHash = pinHash
	fs.records[scope.key("")] = rec
	return fs.persist()
}

func (fs *FileStore) LoadLocalPIN(scope Scope) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.records[scope.key("")]
	if !ok || rec.PINHash == "" {
		return "", ErrNotFound
	}
	return rec.PINHash, nil
}

func (fs *FileStore) ClearLocalPIN(scope Scope) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.records[scope.key("")]
	if ok {
		rec.PINHash = ""
		fs.records[scope.key("")] = rec
	}
	return fs.persist()
}

var _ Store = (*FileStore)(nil)
