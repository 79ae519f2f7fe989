package envelope

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// Compress gzips data at the best-compression level.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("envelope: gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("envelope: gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("envelope: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// DefaultMaxDecompressed bounds gunzip output when no limit is configured.
const DefaultMaxDecompressed = 16 << 20

// Decompress gunzips data, refusing output larger than
// DefaultMaxDecompressed.
func Decompress(data []byte) ([]byte, error) {
	return DecompressLimit(data, DefaultMaxDecompressed)
}

// DecompressLimit gunzips data. Output longer than limit bytes is
// malformed input; nothing beyond limit+1 bytes is ever buffered.
func DecompressLimit(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("envelope: gzip reader: %v: %w", err, ipsmodel.ErrMalformedInput)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("envelope: gzip read: %v: %w", err, ipsmodel.ErrMalformedInput)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("envelope: decompressed payload exceeds %d bytes: %w", limit, ipsmodel.ErrMalformedInput)
	}
	return out, nil
}

// DecompressText gunzips data that is expected to hold UTF-8 text.
func DecompressText(data []byte) (string, error) {
	return decompressText(data, DefaultMaxDecompressed)
}

func decompressText(data []byte, limit int64) (string, error) {
	out, err := DecompressLimit(data, limit)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(out) {
		return "", fmt.Errorf("envelope: decompressed payload is not UTF-8: %w", ipsmodel.ErrMalformedInput)
	}
	return string(out), nil
}

// Decompress gunzips data under the envelope's configured limit. A nil
// Envelope uses DefaultMaxDecompressed.
func (e *Envelope) Decompress(data []byte) ([]byte, error) {
	return DecompressLimit(data, e.decompressLimit())
}

func (e *Envelope) decompressLimit() int64 {
	if e == nil || e.maxDecompressed <= 0 {
		return DefaultMaxDecompressed
	}
	return e.maxDecompressed
}

// CompressEncrypt runs compress then encrypt and returns a binary blob.
func (e *Envelope) CompressEncrypt(data []byte) ([]byte, error) {
	z, err := Compress(data)
	if err != nil {
		return nil, err
	}
	return e.EncryptBinary(z)
}

// DecryptDecompress reverses CompressEncrypt.
func (e *Envelope) DecryptDecompress(blob []byte) (string, error) {
	z, err := e.DecryptBinary(blob)
	if err != nil {
		return "", err
	}
	return decompressText(z, e.decompressLimit())
}

// CompressEncryptText runs compress then encrypt into a text-mode payload.
func (e *Envelope) CompressEncryptText(data []byte, enc Encoding) (*Payload, error) {
	z, err := Compress(data)
	if err != nil {
		return nil, err
	}
	return e.EncryptText(z, enc)
}

// DecryptDecompressText reverses CompressEncryptText.
func (e *Envelope) DecryptDecompressText(p *Payload, enc Encoding) (string, error) {
	z, err := e.DecryptText(p, enc)
	if err != nil {
		return "", err
	}
	return decompressText(z, e.decompressLimit())
}
