package fhir

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// instantLayout is how the encoder writes every dateTime: UTC, whole seconds.
const instantLayout = "2006-01-02T15:04:05Z"

// dateTimeLayouts are tried in order when reading a FHIR date or dateTime.
// Values without a zone are read as UTC.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

// parseDateTime reads s with the first matching layout. An empty string is
// the zero time; anything else unreadable is malformed input.
func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("fhir: unparseable date %q: %w", s, ipsmodel.ErrMalformedInput)
}

// birthDate normalizes a Patient.birthDate to ipsmodel.DateLayout. Partial
// dates take the first day of their period. Unreadable values fall back to
// ipsmodel.DefaultDOB.
func birthDate(s string) string {
	t, err := parseDateTime(s)
	if err != nil || t.IsZero() {
		return ipsmodel.DefaultDOB
	}
	return t.Format(ipsmodel.DateLayout)
}

// firstDateTime parses the first non-empty candidate.
func firstDateTime(candidates ...string) (time.Time, error) {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return parseDateTime(c)
		}
	}
	return time.Time{}, nil
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(instantLayout)
}
