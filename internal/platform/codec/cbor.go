// Package codec holds the binary canonical form of an ipsmodel.Record.
//
// Records are written as CBOR with Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding and no
// indefinite-length items, so the same record always produces the same
// bytes. Struct fields use the integer keys declared on the ipsmodel types,
// which keeps NFC payloads small.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/ehr/ips/pkg/ipsmodel"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Instants are written as RFC 3339 text so the zone survives decode.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Repeated keys in a record map are treated as corruption.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the CBOR diagnostic notation for data.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// EncodeRecord writes r in its binary canonical form.
func EncodeRecord(r *ipsmodel.Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("codec: nil record: %w", ipsmodel.ErrMalformedInput)
	}
	out, err := Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal record: %w", err)
	}
	return out, nil
}

// DecodeRecord reads a record written by EncodeRecord and normalizes it.
func DecodeRecord(data []byte) (*ipsmodel.Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("codec: empty payload: %w", ipsmodel.ErrMalformedInput)
	}
	var r ipsmodel.Record
	if err := Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("codec: unmarshal record: %v: %w", err, ipsmodel.ErrMalformedInput)
	}
	r.Normalize()
	return &r, nil
}
