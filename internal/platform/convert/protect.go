package convert

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ehr/ips/internal/platform/envelope"
	"github.com/ehr/ips/pkg/ipsmodel"
)

// protect applies the envelope pipeline named by opts. QR renders stay
// printable, so they use the text-mode JSON payload; every other transport
// gets the flat binary blob.
func (c *Converter) protect(data []byte, opts RenderOptions) ([]byte, error) {
	if opts.Protection == ProtectNone {
		return data, nil
	}
	if c.env == nil {
		return nil, fmt.Errorf("convert: no encryption key configured: %w", ipsmodel.ErrCryptoFailure)
	}

	enc := opts.Encoding
	if enc == "" {
		enc = envelope.EncodingHex
	}

	switch opts.Protection {
	case ProtectEncrypt:
		if opts.Transport == TransportQR {
			p, err := c.env.EncryptText(data, enc)
			if err != nil {
				return nil, err
			}
			return json.Marshal(p)
		}
		return c.env.EncryptBinary(data)
	case ProtectCompressEncrypt:
		if opts.Transport == TransportQR {
			p, err := c.env.CompressEncryptText(data, enc)
			if err != nil {
				return nil, err
			}
			return json.Marshal(p)
		}
		return c.env.CompressEncrypt(data)
	}
	return nil, fmt.Errorf("convert: unknown protection %q: %w", opts.Protection, ipsmodel.ErrUnsupportedFormat)
}

// Unprotect reverses protect. A payload that is a JSON object is read as
// a text-mode envelope, anything else as a binary blob. Decompressed output
// is returned as raw bytes so binary formats survive.
func (c *Converter) Unprotect(payload []byte, prot Protection, enc envelope.Encoding) ([]byte, error) {
	if prot == ProtectNone {
		return payload, nil
	}
	if c.env == nil {
		return nil, fmt.Errorf("convert: no encryption key configured: %w", ipsmodel.ErrCryptoFailure)
	}
	if enc == "" {
		enc = envelope.EncodingHex
	}

	var (
		plain []byte
		err   error
	)
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		var p envelope.Payload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, fmt.Errorf("convert: invalid envelope JSON: %v: %w", err, ipsmodel.ErrMalformedInput)
		}
		plain, err = c.env.DecryptText(&p, enc)
	} else {
		plain, err = c.env.DecryptBinary(payload)
	}
	if err != nil {
		return nil, err
	}

	switch prot {
	case ProtectEncrypt:
		return plain, nil
	case ProtectCompressEncrypt:
		return c.env.Decompress(plain)
	}
	return nil, fmt.Errorf("convert: unknown protection %q: %w", prot, ipsmodel.ErrUnsupportedFormat)
}

// Open unprotects payload and decodes it in the given format.
func (c *Converter) Open(format Format, payload []byte, prot Protection, enc envelope.Encoding) (*ipsmodel.Record, error) {
	plain, err := c.Unprotect(payload, prot, enc)
	if err != nil {
		return nil, err
	}
	return c.Convert(format, plain)
}
