package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// Encoding selects how text-mode payload fields are rendered.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

// ParseEncoding accepts "hex" or "base64" (case-insensitive). Empty means hex.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hex":
		return EncodingHex, nil
	case "base64", "b64":
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("envelope: unknown encoding %q: %w", s, ipsmodel.ErrUnsupportedFormat)
	}
}

func (e Encoding) encode(b []byte) string {
	if e == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(b)
	}
	return hex.EncodeToString(b)
}

func (e Encoding) decode(s string) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	if e == EncodingBase64 {
		b, err = base64.StdEncoding.DecodeString(s)
	} else {
		b, err = hex.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", e, err, ipsmodel.ErrCryptoFailure)
	}
	return b, nil
}

// Payload is the text-mode JSON shape. Key is only populated when the
// envelope was configured to expose it and must not be treated as safe to
// transmit.
type Payload struct {
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	MAC           string `json:"mac"`
	Key           string `json:"key,omitempty"`
}
