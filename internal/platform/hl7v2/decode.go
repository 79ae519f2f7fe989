package hl7v2

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// minMedicationComponents is the RXA-5 component count at which an
// administration is read as a medication rather than an immunization.
const minMedicationComponents = 5

// DecodeIPS reads an HL7 v2.3 patient summary message into a canonical
// record. Segments other than MSH, PID, IVC, RXA, AL1, DG1 and OBX are
// ignored. Missing or unparseable optional values fall back to the record
// defaults.
func DecodeIPS(raw []byte) (*ipsmodel.Record, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, ipsmodel.ErrMalformedInput)
	}

	rec := ipsmodel.NewRecord()
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "MSH":
			decodeMSH(seg, rec)
		case "PID":
			decodePID(seg, rec)
		case "IVC":
			if p := seg.Text(2); strings.TrimSpace(p) != "" {
				rec.Practitioner = p
			}
		case "RXA":
			decodeRXA(seg, rec)
		case "AL1":
			parts := seg.Components(3)
			rec.Allergies = append(rec.Allergies, ipsmodel.Allergy{
				Code:        component(parts, 0),
				Name:        component(parts, 1),
				System:      component(parts, 2),
				Criticality: criticalityFromSeverity(seg.GetField(4)),
				Date:        hl7Time(seg.GetField(6)),
			})
		case "DG1":
			parts := seg.Components(3)
			rec.Conditions = append(rec.Conditions, ipsmodel.Condition{
				Code:   component(parts, 0),
				Name:   component(parts, 1),
				System: component(parts, 2),
				Date:   hl7Time(seg.GetField(5)),
			})
		case "OBX":
			decodeOBX(seg, rec)
		}
	}

	rec.Normalize()
	return rec, nil
}

func decodeMSH(seg *Segment, rec *ipsmodel.Record) {
	if id := seg.Text(10); strings.TrimSpace(id) != "" {
		rec.PackageUUID = id
	}
	if ts := seg.GetField(7); len(ts) >= 14 {
		if t, err := time.Parse("20060102150405", ts[:14]); err == nil {
			rec.Timestamp = t
		}
	}
}

func decodePID(seg *Segment, rec *ipsmodel.Record) {
	name := seg.Components(5)
	if len(name) > 0 && name[0] != "" {
		rec.FamilyName = name[0]
	}
	if len(name) > 1 && name[1] != "" {
		rec.GivenName = name[1]
	}

	if dob := seg.GetField(7); dob != "" {
		if t, err := time.Parse("20060102", dob); err == nil {
			rec.DOB = t.Format(ipsmodel.DateLayout)
		}
	}

	switch g := seg.GetField(8); g {
	case "":
	case "M":
		rec.Gender = ipsmodel.GenderMale
	case "F":
		rec.Gender = ipsmodel.GenderFemale
	case "U":
		rec.Gender = ipsmodel.GenderUnknown
	default:
		rec.Gender = ipsmodel.GenderOther
	}

	if nation := component(seg.Components(11), 3); nation != "" {
		rec.Nation = nation
	}

	// PID-3 carries the identifier in component 1 and, by convention of
	// the senders we exchange with, the organization in component 4.
	id := seg.Components(3)
	rec.Identifier = component(id, 0)
	if org := component(id, 3); org != "" {
		rec.Organization = org
	}
}

func decodeRXA(seg *Segment, rec *ipsmodel.Record) {
	date := hl7Time(seg.GetField(3))
	parts := seg.Components(5)
	if len(parts) == 0 {
		return
	}

	if len(parts) < minMedicationComponents {
		rec.Immunizations = append(rec.Immunizations, ipsmodel.Immunization{
			Code:   component(parts, 0),
			Name:   component(parts, 1),
			System: component(parts, 2),
			Date:   date,
		})
		return
	}
	rec.Medications = append(rec.Medications, ipsmodel.Medication{
		Code:   component(parts, 0),
		Name:   component(parts, 1),
		System: component(parts, 2),
		Dosage: component(parts, 4),
		Date:   date,
	})
}

func decodeOBX(seg *Segment, rec *ipsmodel.Record) {
	parts := seg.Components(3)
	value := strings.TrimSpace(seg.Text(5) + " " + seg.Text(6))

	// Some senders place the result status in OBX-9 and the observation
	// time in OBX-14.
	status := seg.GetField(11)
	if status == "" {
		status = seg.GetField(9)
	}
	ts := seg.GetField(12)
	if ts == "" {
		ts = seg.GetField(14)
	}

	rec.Observations = append(rec.Observations, ipsmodel.Observation{
		Code:   component(parts, 0),
		Name:   component(parts, 1),
		System: component(parts, 2),
		Value:  value,
		Status: observationStatus(status),
		Date:   hl7Time(ts),
	})
}

// hl7Time parses an HL7 timestamp or date. Anything unparseable yields the
// zero time, which Normalize replaces with the record timestamp.
func hl7Time(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := parseHL7Timestamp(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func component(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

func criticalityFromSeverity(code string) ipsmodel.Criticality {
	switch code {
	case "SV":
		return ipsmodel.CriticalityHigh
	case "MO":
		return ipsmodel.CriticalityModerate
	case "MI":
		return ipsmodel.CriticalityMild
	default:
		return ipsmodel.CriticalityUnknown
	}
}

// observationStatus converts an HL7v2 result status to its FHIR name.
func observationStatus(code string) string {
	switch code {
	case "F":
		return "final"
	case "P":
		return "preliminary"
	case "C":
		return "corrected"
	case "X":
		return "cancelled"
	default:
		return ""
	}
}
