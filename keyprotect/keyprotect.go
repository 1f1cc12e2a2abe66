// Package keyprotect seals private key material for storage at rest.
//
// Stored CA signing keys and system-generated subject keys are never
// persisted in the clear: they are wrapped in AES-256-GCM envelopes keyed
// from a master secret that lives outside the database. The master key is
// held in a memguard Enclave and only opened for the duration of a single
// seal or open operation.
package keyprotect

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"

	"github.com/certdesk/certdesk/internal/util"
)

// MasterKeyEnv is the environment variable holding the base64-encoded
// 32-byte master key.
const MasterKeyEnv = "CERTDESK_MASTER_KEY"

// ErrNoMasterKey is returned when no master key is configured.
var ErrNoMasterKey = errors.New("no master key configured")

// Envelope is a sealed record containing AES-256-GCM encrypted key material.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Protector seals and opens key envelopes. Each record is encrypted under
// a distinct key derived from the master secret and the record's AAD, so
// an envelope copied onto another record fails to open.
type Protector struct {
	master *memguard.Enclave
}

// New creates a Protector from a raw 32-byte master key. The caller's copy
// of the key is wiped.
func New(masterKey []byte) (*Protector, error) {
	if len(masterKey) != util.AESKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", util.AESKeySize, len(masterKey))
	}
	// NewEnclave wipes the input buffer.
	return &Protector{master: memguard.NewEnclave(masterKey)}, nil
}

// FromEnv builds a Protector from the CERTDESK_MASTER_KEY environment
// variable (base64, 32 bytes decoded).
func FromEnv() (*Protector, error) {
	raw := os.Getenv(MasterKeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%s: %w", MasterKeyEnv, ErrNoMasterKey)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", MasterKeyEnv, err)
	}
	return New(key)
}

// NewMasterKey generates a fresh random master key, returned base64-encoded
// for operator storage.
func NewMasterKey() (string, error) {
	key, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return "", fmt.Errorf("generating master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// recordKey derives the per-record encryption key for the given AAD.
func (p *Protector) recordKey(aad []byte) ([]byte, error) {
	buf, err := p.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key: %w", err)
	}
	defer buf.Destroy()
	return util.HKDF(buf.Bytes(), nil, aad)
}

// Seal encrypts plaintext key material into an Envelope bound to aad.
func (p *Protector) Seal(plaintext []byte, aad string) (*Envelope, error) {
	rk, err := p.recordKey([]byte(aad))
	if err != nil {
		return nil, err
	}
	sealed, err := util.EncryptAESWithAAD(plaintext, rk, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("sealing key material: %w", err)
	}

	// EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
	}, nil
}

// Open decrypts an Envelope previously sealed with the same AAD. It returns
// the plaintext or an error, never a partial result.
func (p *Protector) Open(env *Envelope, aad string) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if env.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != "aes256gcm" {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}

	rk, err := p.recordKey([]byte(aad))
	if err != nil {
		return nil, err
	}

	full := make([]byte, len(env.Nonce)+len(env.Ciphertext))
	copy(full, env.Nonce)
	copy(full[len(env.Nonce):], env.Ciphertext)

	plain, err := util.DecryptAESWithAAD(full, rk, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("opening key envelope: %w", err)
	}
	return plain, nil
}
