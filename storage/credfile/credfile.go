// Package credfile provides a file-backed implementation of the credential
// store. The upstream credential is encrypted with AES-256-GCM before it
// touches disk; the encryption key is derived via HKDF from a master key kept
// in a separate file with 0600 permissions.
package credfile

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/readwise-mcp/oauth/security"
	"github.com/readwise-mcp/oauth/storage"
)

const (
	credentialFileName = "credential.enc"
	keyFileName        = "credential.key"

	// hkdfInfo binds derived keys to this purpose. Changing it invalidates
	// every stored credential.
	hkdfInfo = "readwise-mcp-oauth credential encryption v1"
)

// Store is a file-backed CredentialStore. All operations are serialized by a
// mutex; the credential file is replaced atomically via write-then-rename.
type Store struct {
	mu        sync.Mutex
	credPath  string
	keyPath   string
	encryptor *security.Encryptor
	logger    *slog.Logger
}

// Compile-time interface check
var _ storage.CredentialStore = (*Store)(nil)

// New creates a credential store rooted at dir. The directory is created if
// missing. A master key file is created on first use with 0600 permissions.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("credential store directory cannot be empty")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential store directory: %w", err)
	}

	s := &Store{
		credPath: filepath.Join(dir, credentialFileName),
		keyPath:  filepath.Join(dir, keyFileName),
		logger:   slog.Default(),
	}

	enc, err := s.loadEncryptor()
	if err != nil {
		return nil, err
	}
	s.encryptor = enc

	return s, nil
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// loadEncryptor reads the master key file, creating it on first use, and
// builds an encryptor from the HKDF-derived AES key.
func (s *Store) loadEncryptor() (*security.Encryptor, error) {
	master, err := s.loadOrCreateMasterKey()
	if err != nil {
		return nil, err
	}

	derived, err := deriveKey(master)
	if err != nil {
		return nil, err
	}

	return security.NewEncryptor(derived)
}

func (s *Store) loadOrCreateMasterKey() ([]byte, error) {
	data, err := os.ReadFile(s.keyPath)
	if err == nil {
		key, decodeErr := security.KeyFromBase64(string(data))
		if decodeErr != nil {
			return nil, fmt.Errorf("invalid master key file %s: %w", s.keyPath, decodeErr)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}

	key, err := security.GenerateKey()
	if err != nil {
		return nil, err
	}

	if err := writeFileAtomic(s.keyPath, []byte(security.KeyToBase64(key)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write master key file: %w", err)
	}

	s.logger.Info("Generated new credential encryption key", "path", s.keyPath)
	return key, nil
}

// deriveKey derives the AES-256 key from the master key. The master key never
// encrypts data directly, so it can later serve additional derived keys
// without rotating the file.
func deriveKey(master []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return key, nil
}

// Get returns the stored credential. Returns storage.ErrNotFound if no
// credential has been stored, and storage.ErrCredentialCorrupt if the blob
// cannot be decrypted.
func (s *Store) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.credPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to read credential file: %w", err)
	}

	credential, err := s.encryptor.Decrypt(string(data))
	if err != nil {
		s.logger.Error("Failed to decrypt stored credential", "error", err)
		return "", storage.ErrCredentialCorrupt
	}

	return credential, nil
}

// Set stores the credential, replacing any previous value
func (s *Store) Set(credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted, err := s.encryptor.Encrypt(credential)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}

	if err := writeFileAtomic(s.credPath, []byte(encrypted), 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	s.logger.Info("Stored upstream credential",
		"fingerprint", security.HashForLogging(credential))
	return nil
}

// Has reports whether a credential is stored
func (s *Store) Has() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.credPath)
	return err == nil
}

// Delete removes the stored credential. Deleting an absent credential is not
// an error.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.credPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it into place. A reader never observes a partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	return nil
}
