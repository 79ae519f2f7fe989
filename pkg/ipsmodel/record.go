package ipsmodel

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Documented defaults substituted when a source format omits a field.
const (
	DefaultText = "Unknown"
	DefaultDOB  = "1900-01-01"
)

// DateLayout is the ISO date layout used for Record.DOB.
const DateLayout = "2006-01-02"

// Gender of the patient.
type Gender string

const (
	GenderMale    Gender = "Male"
	GenderFemale  Gender = "Female"
	GenderOther   Gender = "Other"
	GenderUnknown Gender = "Unknown"
)

// ParseGender maps free text ("male", "F", "other") onto a Gender.
func ParseGender(s string) Gender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m":
		return GenderMale
	case "female", "f":
		return GenderFemale
	case "other", "o":
		return GenderOther
	default:
		return GenderUnknown
	}
}

// Criticality of an allergy.
type Criticality string

const (
	CriticalityHigh     Criticality = "high"
	CriticalityModerate Criticality = "moderate"
	CriticalityMild     Criticality = "mild"
	CriticalityUnknown  Criticality = "unknown"
)

// Record is the canonical patient summary every codec reads and writes.
// The zero value is not useful; use NewRecord.
type Record struct {
	PackageUUID  string    `json:"packageUuid" cbor:"1,keyasint"`
	Timestamp    time.Time `json:"timestamp" cbor:"2,keyasint"`
	FamilyName   string    `json:"familyName" cbor:"3,keyasint"`
	GivenName    string    `json:"givenName" cbor:"4,keyasint"`
	DOB          string    `json:"dob" cbor:"5,keyasint"`
	Gender       Gender    `json:"gender" cbor:"6,keyasint"`
	Nation       string    `json:"nation" cbor:"7,keyasint"`
	Organization string    `json:"organization,omitempty" cbor:"8,keyasint,omitempty"`
	Practitioner string    `json:"practitioner" cbor:"9,keyasint"`
	Identifier   string    `json:"identifier,omitempty" cbor:"10,keyasint,omitempty"`
	Identifier2  string    `json:"identifier2,omitempty" cbor:"11,keyasint,omitempty"`

	Medications   []Medication   `json:"medications" cbor:"12,keyasint"`
	Allergies     []Allergy      `json:"allergies" cbor:"13,keyasint"`
	Conditions    []Condition    `json:"conditions" cbor:"14,keyasint"`
	Observations  []Observation  `json:"observations" cbor:"15,keyasint"`
	Immunizations []Immunization `json:"immunizations" cbor:"16,keyasint"`
}

type Medication struct {
	Name   string    `json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	Date   time.Time `json:"date" cbor:"2,keyasint"`
	Dosage string    `json:"dosage,omitempty" cbor:"3,keyasint,omitempty"`
	System string    `json:"system,omitempty" cbor:"4,keyasint,omitempty"`
	Code   string    `json:"code,omitempty" cbor:"5,keyasint,omitempty"`
	Status string    `json:"status,omitempty" cbor:"6,keyasint,omitempty"`
}

type Allergy struct {
	Name        string      `json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	Date        time.Time   `json:"date" cbor:"2,keyasint"`
	Criticality Criticality `json:"criticality,omitempty" cbor:"3,keyasint,omitempty"`
	System      string      `json:"system,omitempty" cbor:"4,keyasint,omitempty"`
	Code        string      `json:"code,omitempty" cbor:"5,keyasint,omitempty"`
}

type Condition struct {
	Name   string    `json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	Date   time.Time `json:"date" cbor:"2,keyasint"`
	System string    `json:"system,omitempty" cbor:"3,keyasint,omitempty"`
	Code   string    `json:"code,omitempty" cbor:"4,keyasint,omitempty"`
}

// Observation.Value is free text, "<num> <unit>" or "<lo>-<hi> <unit>".
type Observation struct {
	Name      string    `json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	Date      time.Time `json:"date" cbor:"2,keyasint"`
	Value     string    `json:"value,omitempty" cbor:"3,keyasint,omitempty"`
	System    string    `json:"system,omitempty" cbor:"4,keyasint,omitempty"`
	Code      string    `json:"code,omitempty" cbor:"5,keyasint,omitempty"`
	ValueCode string    `json:"valueCode,omitempty" cbor:"6,keyasint,omitempty"`
	BodySite  string    `json:"bodySite,omitempty" cbor:"7,keyasint,omitempty"`
	Status    string    `json:"status,omitempty" cbor:"8,keyasint,omitempty"`
}

type Immunization struct {
	Name   string    `json:"name,omitempty" cbor:"1,keyasint,omitempty"`
	Date   time.Time `json:"date" cbor:"2,keyasint"`
	System string    `json:"system,omitempty" cbor:"3,keyasint,omitempty"`
	Code   string    `json:"code,omitempty" cbor:"4,keyasint,omitempty"`
	Status string    `json:"status,omitempty" cbor:"5,keyasint,omitempty"`
}

// NewRecord returns a record with a fresh package UUID, the current time
// truncated to seconds, and the documented demographic defaults.
func NewRecord() *Record {
	return &Record{
		PackageUUID:  uuid.NewString(),
		Timestamp:    time.Now().UTC().Truncate(time.Second),
		FamilyName:   DefaultText,
		GivenName:    DefaultText,
		DOB:          DefaultDOB,
		Gender:       GenderUnknown,
		Nation:       DefaultText,
		Practitioner: DefaultText,
	}
}

// Normalize converts every date to UTC and fills zero child dates with the
// record timestamp. Decoders call it before returning.
func (r *Record) Normalize() {
	if r.PackageUUID == "" {
		r.PackageUUID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC().Truncate(time.Second)
	}
	r.Timestamp = r.Timestamp.UTC()
	if r.Gender == "" {
		r.Gender = GenderUnknown
	}

	fix := func(t time.Time) time.Time {
		if t.IsZero() {
			return r.Timestamp
		}
		return t.UTC()
	}
	for i := range r.Medications {
		r.Medications[i].Date = fix(r.Medications[i].Date)
	}
	for i := range r.Allergies {
		r.Allergies[i].Date = fix(r.Allergies[i].Date)
	}
	for i := range r.Conditions {
		r.Conditions[i].Date = fix(r.Conditions[i].Date)
	}
	for i := range r.Observations {
		r.Observations[i].Date = fix(r.Observations[i].Date)
	}
	for i := range r.Immunizations {
		r.Immunizations[i].Date = fix(r.Immunizations[i].Date)
	}
}

// OrDefault returns s, or DefaultText when s is blank.
func OrDefault(s string) string {
	if strings.TrimSpace(s) == "" {
		return DefaultText
	}
	return s
}
