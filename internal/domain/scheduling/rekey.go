package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ffcertificate/scheduler/internal/platform/pii"
)

// RekeyResult summarizes a re-encryption pass.
type RekeyResult struct {
	Scanned   int
	Updated   int
	Rotated   int
	Encrypted int
	Failed    int
}

// Rekeyer moves stored contact data onto the current encryption key. It
// re-encrypts ciphertext written under older key versions and encrypts
// legacy plaintext columns, filling in missing lookup hashes.
type Rekeyer struct {
	appointments AppointmentRepository
	codec        *pii.Codec
	batchSize    int
	logger       zerolog.Logger
}

func NewRekeyer(appts AppointmentRepository, codec *pii.Codec, batchSize int, logger zerolog.Logger) *Rekeyer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Rekeyer{appointments: appts, codec: codec, batchSize: batchSize, logger: logger}
}

func (r *Rekeyer) Run(ctx context.Context) (RekeyResult, error) {
	var res RekeyResult
	if !r.codec.Enabled() {
		return res, pii.ErrDisabled
	}

	after := uuid.Nil
	for {
		batch, err := r.appointments.ListContacts(ctx, after, r.batchSize)
		if err != nil {
			return res, fmt.Errorf("list appointments after %s: %w", after, err)
		}
		for _, a := range batch {
			res.Scanned++
			contact := a.Contact
			rotated, encrypted, err := r.rekey(&contact)
			if err != nil {
				res.Failed++
				r.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("appointment contact not re-keyed")
				continue
			}
			if rotated == 0 && encrypted == 0 {
				continue
			}
			if err := r.appointments.UpdateContact(ctx, a.ID, contact); err != nil {
				return res, fmt.Errorf("update appointment %s: %w", a.ID, err)
			}
			res.Updated++
			res.Rotated += rotated
			res.Encrypted += encrypted
		}
		if len(batch) < r.batchSize {
			break
		}
		after = batch[len(batch)-1].ID
	}

	r.logger.Info().
		Int("scanned", res.Scanned).
		Int("updated", res.Updated).
		Int("rotated", res.Rotated).
		Int("encrypted", res.Encrypted).
		Int("failed", res.Failed).
		Msg("contact data re-keyed")
	return res, nil
}

func (r *Rekeyer) rekey(c *SealedContact) (rotated, encrypted int, err error) {
	cfg, _ := pii.FieldsFor("appointments")
	rot := r.codec.Rotator()

	columns := append(append([]string{}, cfg.Fields...), "custom_data")
	for _, name := range columns {
		col := name + pii.EncryptedSuffix
		if cipher := c.Column(col); cipher != "" {
			if rot == nil || !rot.NeedsReEncryption(cipher) {
				continue
			}
			fresh, err := rot.ReEncrypt(cipher)
			if err != nil {
				return 0, 0, fmt.Errorf("re-encrypt %s: %w", name, err)
			}
			c.SetColumn(col, fresh)
			rotated++
			continue
		}

		plain := c.Column(name)
		if plain == "" {
			continue
		}
		if cfg.IsHashed(name) && c.Column(name+"_hash") == "" {
			c.SetColumn(name+"_hash", r.codec.Hash(normalizeIdentifier(name, plain)))
		}
		cipher, err := r.codec.Encrypt(plain)
		if err != nil {
			return 0, 0, fmt.Errorf("encrypt %s: %w", name, err)
		}
		c.SetColumn(col, cipher)
		c.SetColumn(name, "")
		encrypted++
	}
	return rotated, encrypted, nil
}
