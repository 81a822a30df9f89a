package pii

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Ciphertexts written by RotatingEncryptor look like "v2:<base64>".
const (
	keyVersionPrefix    = "v"
	keyVersionSeparator = ":"
)

// RotatingEncryptor encrypts with the current key version and can still read
// values written under earlier versions.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *AESEncryptor
	currentVer int
	previous   map[int]*AESEncryptor
}

func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("rotating encryptor: version must be positive, got %d", currentVersion)
	}
	enc, err := NewAESEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*AESEncryptor),
	}, nil
}

// AddPreviousKey registers a retired key so old ciphertexts stay readable.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	if version == r.CurrentVersion() {
		return fmt.Errorf("rotating encryptor: v%d is the current version", version)
	}
	enc, err := NewAESEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = enc
	return nil
}

func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ciphertext, err := r.current.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return keyVersionPrefix + strconv.Itoa(r.currentVer) + keyVersionSeparator + ciphertext, nil
}

// Decrypt picks the key from the version prefix. Unprefixed values predate
// rotation and are read with the current key.
func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, data, ok := parseVersionedCiphertext(ciphertext)
	if !ok {
		return r.current.Decrypt(ciphertext)
	}
	if version == r.currentVer {
		return r.current.Decrypt(data)
	}
	enc, found := r.previous[version]
	if !found {
		return "", fmt.Errorf("pii decrypt: no key for version %d", version)
	}
	return enc.Decrypt(data)
}

// NeedsReEncryption reports whether ciphertext was written under another key version.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, _, ok := parseVersionedCiphertext(ciphertext)
	if !ok {
		return true
	}
	return version != r.currentVer
}

// ReEncrypt decrypts with whichever key wrote ciphertext and encrypts again
// with the current one.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func parseVersionedCiphertext(s string) (int, string, bool) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", false
	}
	idx := strings.Index(s, keyVersionSeparator)
	if idx < 0 {
		return 0, "", false
	}
	version, err := strconv.Atoi(s[len(keyVersionPrefix):idx])
	if err != nil || version < 1 {
		return 0, "", false
	}
	return version, s[idx+1:], true
}
