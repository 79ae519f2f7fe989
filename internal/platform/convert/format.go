package convert

import (
	"fmt"
	"strings"

	"github.com/ehr/ips/internal/platform/envelope"
	"github.com/ehr/ips/pkg/ipsmodel"
)

// Format names an external representation of a record.
type Format string

const (
	FormatFHIR   Format = "fhir"
	FormatHL7    Format = "hl7"
	FormatBEER   Format = "beer"
	FormatSchema Format = "schema"
	FormatCBOR   Format = "cbor"
)

// AllFormats lists every format in render order.
var AllFormats = []Format{FormatSchema, FormatFHIR, FormatHL7, FormatBEER, FormatCBOR}

// ParseFormat accepts a format name or one of its aliases, ignoring case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fhir", "bundle", "ips":
		return FormatFHIR, nil
	case "hl7", "hl7v2", "hl7v23", "hl7-2.3":
		return FormatHL7, nil
	case "beer":
		return FormatBEER, nil
	case "schema", "json", "canonical":
		return FormatSchema, nil
	case "cbor":
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("convert: unknown format %q: %w", s, ipsmodel.ErrUnsupportedFormat)
}

// ContentType is the MIME type a rendered payload is served with.
func (f Format) ContentType() string {
	switch f {
	case FormatFHIR:
		return "application/fhir+json"
	case FormatSchema:
		return "application/json"
	case FormatCBOR:
		return "application/cbor"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Transport is the medium a render is destined for.
type Transport string

const (
	TransportNone Transport = ""
	// TransportQR enforces the QR byte budget and keeps protected
	// payloads in text mode.
	TransportQR  Transport = "qr"
	TransportNFC Transport = "nfc"
)

func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TransportNone, nil
	case "qr":
		return TransportQR, nil
	case "nfc":
		return TransportNFC, nil
	}
	return "", fmt.Errorf("convert: unknown transport %q: %w", s, ipsmodel.ErrUnsupportedFormat)
}

// Protection selects the envelope pipeline applied after rendering.
type Protection string

const (
	ProtectNone            Protection = ""
	ProtectEncrypt         Protection = "encrypt"
	ProtectCompressEncrypt Protection = "compress-encrypt"
)

func ParseProtection(s string) (Protection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ProtectNone, nil
	case "encrypt":
		return ProtectEncrypt, nil
	case "compress-encrypt", "gzip-encrypt":
		return ProtectCompressEncrypt, nil
	}
	return "", fmt.Errorf("convert: unknown protection %q: %w", s, ipsmodel.ErrUnsupportedFormat)
}

// RenderOptions tune a single render. The zero value renders plain
// output with the default BEER delimiter and no size budget.
type RenderOptions struct {
	Delimiter  string
	Transport  Transport
	Protection Protection
	// Encoding applies to text-mode envelope fields.
	Encoding envelope.Encoding
}
