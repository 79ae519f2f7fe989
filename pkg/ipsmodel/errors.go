package ipsmodel

import "errors"

// Sentinel errors shared by the codecs, the envelope and the conversion
// facade. Callers match them with errors.Is.
var (
	ErrMalformedInput     = errors.New("malformed input")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrSizeBudgetExceeded = errors.New("size budget exceeded")
	ErrCryptoFailure      = errors.New("crypto failure")
)
