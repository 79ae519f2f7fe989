package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// Layout constants for both payload shapes.
const (
	KeySize = 32
	IVSize  = 16
	TagSize = 16
)

// Config carries the static key material. It is built once at startup and
// handed to New.
type Config struct {
	Key []byte
	// ExposeKey fills the legacy "key" field of text-mode payloads.
	ExposeKey bool
	// MaxDecompressed caps gunzip output in bytes. Zero means
	// DefaultMaxDecompressed.
	MaxDecompressed int64
}

// Envelope performs AES-256-GCM encryption with a 16-byte IV and a 16-byte
// tag. It holds no mutable state and is safe for concurrent use.
type Envelope struct {
	aead            cipher.AEAD
	keyHex          string
	exposeKey       bool
	maxDecompressed int64
}

// New builds an Envelope from cfg. The key must be exactly 32 bytes.
func New(cfg Config) (*Envelope, error) {
	if len(cfg.Key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", KeySize, len(cfg.Key))
	}

	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: create GCM: %w", err)
	}

	return &Envelope{
		aead:            aead,
		keyHex:          hex.EncodeToString(cfg.Key),
		exposeKey:       cfg.ExposeKey,
		maxDecompressed: cfg.MaxDecompressed,
	}, nil
}

// ParseHexKey decodes a 64-character hex string into a 32-byte key.
func ParseHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("envelope: key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes (%d hex chars), got %d bytes", KeySize, KeySize*2, len(key))
	}
	return key, nil
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: generate key: %w", err)
	}
	return key, nil
}

// seal returns iv and ciphertext‖tag.
func (e *Envelope) seal(plaintext []byte) (iv, sealed []byte, err error) {
	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("envelope: generate iv: %w", err)
	}
	return iv, e.aead.Seal(nil, iv, plaintext, nil), nil
}

func (e *Envelope) open(iv, sealed []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("envelope: iv must be %d bytes, got %d: %w", IVSize, len(iv), ipsmodel.ErrCryptoFailure)
	}
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("envelope: ciphertext shorter than tag: %w", ipsmodel.ErrCryptoFailure)
	}
	plaintext, err := e.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: open: %v: %w", err, ipsmodel.ErrCryptoFailure)
	}
	return plaintext, nil
}

// EncryptBinary returns the flat blob IV(16)‖TAG(16)‖CIPHERTEXT.
func (e *Envelope) EncryptBinary(data []byte) ([]byte, error) {
	iv, sealed, err := e.seal(data)
	if err != nil {
		return nil, err
	}
	ctLen := len(sealed) - TagSize
	out := make([]byte, 0, IVSize+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed[ctLen:]...)
	out = append(out, sealed[:ctLen]...)
	return out, nil
}

// DecryptBinary reverses EncryptBinary.
func (e *Envelope) DecryptBinary(blob []byte) ([]byte, error) {
	if len(blob) < IVSize+TagSize {
		return nil, fmt.Errorf("envelope: blob is %d bytes, need at least %d: %w", len(blob), IVSize+TagSize, ipsmodel.ErrCryptoFailure)
	}
	iv := blob[:IVSize]
	tag := blob[IVSize : IVSize+TagSize]
	ct := blob[IVSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	return e.open(iv, sealed)
}

// EncryptText encrypts data into a text-mode payload with every field
// encoded per enc.
func (e *Envelope) EncryptText(data []byte, enc Encoding) (*Payload, error) {
	iv, sealed, err := e.seal(data)
	if err != nil {
		return nil, err
	}
	ctLen := len(sealed) - TagSize

	p := &Payload{
		EncryptedData: enc.encode(sealed[:ctLen]),
		IV:            enc.encode(iv),
		MAC:           enc.encode(sealed[ctLen:]),
	}
	if e.exposeKey {
		p.Key = e.keyHex
	}
	return p, nil
}

// DecryptText decodes the three payload fields per enc and opens
// ciphertext‖tag.
func (e *Envelope) DecryptText(p *Payload, enc Encoding) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("envelope: nil payload: %w", ipsmodel.ErrCryptoFailure)
	}
	ct, err := enc.decode(p.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("envelope: encryptedData: %w", err)
	}
	iv, err := enc.decode(p.IV)
	if err != nil {
		return nil, fmt.Errorf("envelope: iv: %w", err)
	}
	tag, err := enc.decode(p.MAC)
	if err != nil {
		return nil, fmt.Errorf("envelope: mac: %w", err)
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("envelope: mac must be %d bytes, got %d: %w", TagSize, len(tag), ipsmodel.ErrCryptoFailure)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	return e.open(iv, sealed)
}
