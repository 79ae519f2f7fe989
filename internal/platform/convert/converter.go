// Package convert composes the record codecs and the payload envelope.
// Every inbound payload passes through exactly one decoder into an
// ipsmodel.Record, and every render starts from a record.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ips/internal/platform/beer"
	"github.com/ehr/ips/internal/platform/codec"
	"github.com/ehr/ips/internal/platform/envelope"
	"github.com/ehr/ips/internal/platform/fhir"
	"github.com/ehr/ips/internal/platform/hl7v2"
	"github.com/ehr/ips/pkg/ipsmodel"
)

// DefaultQRByteLimit is the largest payload a QR render may produce.
const DefaultQRByteLimit = 3000

// Converter is safe for concurrent use. The envelope may be nil, in which
// case protected renders fail with ErrCryptoFailure.
type Converter struct {
	env     *envelope.Envelope
	qrLimit int
	logger  zerolog.Logger
}

// Option configures a Converter.
type Option func(*Converter)

// WithQRByteLimit overrides DefaultQRByteLimit. Non-positive values are
// ignored.
func WithQRByteLimit(n int) Option {
	return func(c *Converter) {
		if n > 0 {
			c.qrLimit = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Converter) {
		c.logger = logger
	}
}

func New(env *envelope.Envelope, opts ...Option) *Converter {
	c := &Converter{
		env:     env,
		qrLimit: DefaultQRByteLimit,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QRByteLimit returns the size budget applied to QR renders.
func (c *Converter) QRByteLimit() int {
	return c.qrLimit
}

// Convert decodes payload in the given format into a fresh record.
func (c *Converter) Convert(format Format, payload []byte) (*ipsmodel.Record, error) {
	var (
		rec *ipsmodel.Record
		err error
	)
	switch format {
	case FormatFHIR:
		rec, err = fhir.DecodeBundle(payload)
	case FormatHL7:
		rec, err = hl7v2.DecodeIPS(payload)
	case FormatBEER:
		rec, err = beer.Decode(payload)
	case FormatSchema:
		rec, err = decodeSchema(payload)
	case FormatCBOR:
		rec, err = codec.DecodeRecord(payload)
	default:
		return nil, fmt.Errorf("convert: unknown format %q: %w", format, ipsmodel.ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("format", string(format)).
		Int("bytes", len(payload)).
		Str("package_uuid", rec.PackageUUID).
		Msg("payload decoded")
	return rec, nil
}

// Render encodes r in the given format, applies the requested protection
// and enforces the QR byte budget. An over-budget render returns a
// *SizeBudgetError and no payload.
func (c *Converter) Render(r *ipsmodel.Record, format Format, opts RenderOptions) ([]byte, error) {
	out, err := encode(r, format, opts)
	if err != nil {
		return nil, err
	}
	plain := len(out)

	out, err = c.protect(out, opts)
	if err != nil {
		return nil, err
	}

	if opts.Transport == TransportQR && len(out) > c.qrLimit {
		return nil, &SizeBudgetError{Format: format, Size: len(out), Limit: c.qrLimit}
	}

	c.logger.Debug().
		Str("format", string(format)).
		Str("transport", string(opts.Transport)).
		Str("protection", string(opts.Protection)).
		Int("plain_bytes", plain).
		Int("bytes", len(out)).
		Msg("payload rendered")
	return out, nil
}

// RenderAll renders r in every requested format concurrently. The first
// failure cancels the rest and is returned.
func (c *Converter) RenderAll(ctx context.Context, r *ipsmodel.Record, formats []Format, opts RenderOptions) (map[Format][]byte, error) {
	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	out := make(map[Format][]byte, len(formats))
	for _, f := range formats {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := c.Render(r, f, opts)
			if err != nil {
				return fmt.Errorf("%s: %w", f, err)
			}
			mu.Lock()
			out[f] = b
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Translate converts payload from one format straight into another.
func (c *Converter) Translate(from, to Format, payload []byte, opts RenderOptions) ([]byte, error) {
	rec, err := c.Convert(from, payload)
	if err != nil {
		return nil, err
	}
	return c.Render(rec, to, opts)
}

func encode(r *ipsmodel.Record, format Format, opts RenderOptions) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("convert: nil record: %w", ipsmodel.ErrMalformedInput)
	}
	switch format {
	case FormatFHIR:
		return fhir.EncodeBundle(r)
	case FormatHL7:
		return hl7v2.EncodeIPS(r)
	case FormatBEER:
		delim, err := beer.ParseDelimiter(opts.Delimiter)
		if err != nil {
			return nil, err
		}
		return beer.Encode(r, delim)
	case FormatSchema:
		return json.Marshal(r)
	case FormatCBOR:
		return codec.EncodeRecord(r)
	}
	return nil, fmt.Errorf("convert: unknown format %q: %w", format, ipsmodel.ErrUnsupportedFormat)
}

func decodeSchema(payload []byte) (*ipsmodel.Record, error) {
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("convert: schema payload is not UTF-8: %w", ipsmodel.ErrMalformedInput)
	}
	rec := ipsmodel.NewRecord()
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(rec); err != nil {
		return nil, fmt.Errorf("convert: invalid schema JSON: %v: %w", err, ipsmodel.ErrMalformedInput)
	}
	rec.Normalize()
	return rec, nil
}
