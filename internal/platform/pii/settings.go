package pii

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var ErrDisabled = errors.New("pii: encryption is not configured")

// Settings carries the key material for NewCodecFromSettings.
type Settings struct {
	// Key is the current AES-256 key as 64 hex characters. Empty disables
	// encryption.
	Key          string
	KeyVersion   int
	PreviousKeys map[int]string
	HashSecret   string
}

// NewCodecFromSettings builds a Codec from configuration. An invalid key is an
// error so the server refuses to start with a misconfigured key.
func NewCodecFromSettings(s Settings, logger zerolog.Logger) (*Codec, error) {
	if s.Key == "" {
		logger.Warn().Msg("PII encryption disabled: PII_ENCRYPTION_KEY is not set")
		return NewCodec(nil, []byte(s.HashSecret), logger), nil
	}

	key, err := decodeKey("PII_ENCRYPTION_KEY", s.Key)
	if err != nil {
		return nil, err
	}
	version := s.KeyVersion
	if version == 0 {
		version = 1
	}
	rot, err := NewRotatingEncryptor(key, version)
	if err != nil {
		return nil, err
	}
	for v, hexKey := range s.PreviousKeys {
		prev, err := decodeKey(fmt.Sprintf("PII_PREVIOUS_KEYS v%d", v), hexKey)
		if err != nil {
			return nil, err
		}
		if err := rot.AddPreviousKey(prev, v); err != nil {
			return nil, err
		}
	}

	logger.Info().Int("key_version", version).Int("previous_keys", len(s.PreviousKeys)).
		Msg("PII field-level encryption enabled")
	return NewCodec(rot, []byte(s.HashSecret), logger), nil
}

func decodeKey(name, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(b))
	}
	return b, nil
}
