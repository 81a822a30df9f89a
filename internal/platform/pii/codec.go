// Package pii encrypts contact data at rest and derives the keyed lookup
// hashes used to find records without decrypting them.
package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// EncryptedSuffix names the ciphertext column paired with a legacy plaintext
// column, e.g. "email" and "email_encrypted".
const EncryptedSuffix = "_encrypted"

// Fields exposes a record's columns by name. Missing columns read as "".
type Fields interface {
	Column(name string) string
}

// Row is a loosely typed record, used for rows read outside the typed models.
type Row map[string]string

func (r Row) Column(name string) string { return r[name] }

// Sealed is the stored form of one sensitive value.
type Sealed struct {
	Cipher string
	Hash   string
}

// Codec encrypts, decrypts and hashes contact fields. A Codec without an
// encryptor runs in disabled mode: Encrypt yields "" so callers keep writing
// the plaintext columns, and hashing keeps working.
type Codec struct {
	enc     FieldEncryptor
	hashKey []byte
	logger  zerolog.Logger
}

func NewCodec(enc FieldEncryptor, hashSecret []byte, logger zerolog.Logger) *Codec {
	if len(hashSecret) == 0 {
		logger.Warn().Msg("PII hash secret is empty; lookup hashes are unkeyed")
	}
	return &Codec{enc: enc, hashKey: hashSecret, logger: logger}
}

// Enabled reports whether values are encrypted before storage.
func (c *Codec) Enabled() bool { return c.enc != nil }

// Encrypt returns "" for empty input and in disabled mode.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || c.enc == nil {
		return "", nil
	}
	return c.enc.Encrypt(plaintext)
}

func (c *Codec) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if c.enc == nil {
		return "", ErrDisabled
	}
	return c.enc.Decrypt(ciphertext)
}

// Hash returns the hex HMAC-SHA256 of the trimmed, lower-cased value. Empty
// input hashes to "" so absent fields never match each other.
func (c *Codec) Hash(plaintext string) string {
	v := strings.ToLower(strings.TrimSpace(plaintext))
	if v == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(v))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal encrypts and hashes a value in one step.
func (c *Codec) Seal(plaintext string) (Sealed, error) {
	cipher, err := c.Encrypt(plaintext)
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{Cipher: cipher, Hash: c.Hash(plaintext)}, nil
}

// ResolveField reads name from rec, preferring the decrypted "<name>_encrypted"
// column and falling back to the legacy plaintext column. A ciphertext that
// cannot be decrypted is logged and treated as absent.
func (c *Codec) ResolveField(rec Fields, name string) string {
	if cipher := rec.Column(name + EncryptedSuffix); cipher != "" {
		plain, err := c.Decrypt(cipher)
		if err == nil {
			return plain
		}
		c.logger.Warn().Err(err).Str("field", name).Msg("PII field could not be decrypted")
	}
	return rec.Column(name)
}

// EncryptJSON encrypts a custom-field map. Nil and empty maps encrypt to "".
func (c *Codec) EncryptJSON(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return c.Encrypt(string(raw))
}

// DecryptJSON never fails: unreadable or malformed blobs are logged and
// yield an empty map.
func (c *Codec) DecryptJSON(ciphertext string) map[string]any {
	out := map[string]any{}
	if ciphertext == "" {
		return out
	}
	plain, err := c.Decrypt(ciphertext)
	if err != nil {
		c.logger.Warn().Err(err).Str("field", "custom_data").Msg("PII field could not be decrypted")
		return out
	}
	if err := json.Unmarshal([]byte(plain), &out); err != nil {
		c.logger.Warn().Err(err).Msg("custom data is not valid JSON")
		return map[string]any{}
	}
	return out
}

// Rotator returns the rotating encryptor behind the codec, or nil when the
// codec is disabled or uses a single fixed key.
func (c *Codec) Rotator() *RotatingEncryptor {
	r, _ := c.enc.(*RotatingEncryptor)
	return r
}
