package hl7v2

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ehr/ips/pkg/ipsmodel"
)

const (
	sendingApp      = "IPSMERN"
	sendingFacility = "UKMOD"
	messageType     = "MDM^T01"
	hl7Version      = "2.3"

	hl7TimeLayout = "20060102150405"
	hl7DateLayout = "20060102"
)

// numericValue matches "<number>[-<number>] <unit>?" observation values.
var numericValue = regexp.MustCompile(`^(\d+(?:\.\d+)?(?:-\d+(?:\.\d+)?)?)\s*(\S+)?$`)

// EncodeIPS renders r as an HL7 v2.3 message. Segments are written in the
// order MSH, PID, IVC, RXA (medications), RXA (immunizations), AL1, DG1,
// OBX, PV1, one per line.
func EncodeIPS(r *ipsmodel.Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("hl7v2: nil record")
	}

	segments := []string{buildMSH(r), buildPID(r)}

	if strings.TrimSpace(r.Practitioner) != "" {
		segments = append(segments, "IVC||"+escapeHL7(r.Practitioner))
	}

	for _, m := range r.Medications {
		ts := hl7Stamp(m.Date)
		segments = append(segments, fmt.Sprintf("RXA|0|1|%s|%s|%s^MED^%s",
			ts, ts, coded(m.Code, m.Name, m.System), escapeHL7(m.Dosage)))
	}

	for _, im := range r.Immunizations {
		ts := hl7Stamp(im.Date)
		segments = append(segments, fmt.Sprintf("RXA|0|1|%s|%s|%s^IMM",
			ts, ts, coded(im.Code, im.Name, im.System)))
	}

	for i, a := range r.Allergies {
		segments = append(segments, fmt.Sprintf("AL1|%d|DA|%s|%s||%s",
			i+1, coded(a.Code, a.Name, a.System), severityCode(a.Criticality), a.Date.UTC().Format(hl7DateLayout)))
	}

	for i, c := range r.Conditions {
		segments = append(segments, fmt.Sprintf("DG1|%d||%s||%s",
			i+1, coded(c.Code, c.Name, c.System), c.Date.UTC().Format(hl7DateLayout)))
	}

	for i, o := range r.Observations {
		segments = append(segments, buildOBX(i+1, o))
	}

	segments = append(segments, "PV1|1|N")

	return []byte(strings.Join(segments, "\n") + "\n"), nil
}

// buildMSH constructs the MSH (Message Header) segment.
func buildMSH(r *ipsmodel.Record) string {
	return fmt.Sprintf("MSH|^~\\&|%s|%s|ReceivingApp|ReceivingFac|%s||%s|%s|P|%s",
		sendingApp, sendingFacility, hl7Stamp(r.Timestamp), messageType, escapeHL7(r.PackageUUID), hl7Version)
}

// buildPID constructs the PID (Patient Identification) segment.
// PID-3: identifier^^^organization^ISO
// PID-5: family^given
// PID-11: ^^^nation
func buildPID(r *ipsmodel.Record) string {
	return fmt.Sprintf("PID|||%s^^^%s^ISO||%s^%s||%s|%s|||^^^%s|||",
		escapeHL7(r.Identifier),
		escapeHL7(r.Organization),
		escapeHL7(r.FamilyName),
		escapeHL7(r.GivenName),
		hl7DOB(r.DOB),
		genderCode(r.Gender),
		escapeHL7(r.Nation),
	)
}

// buildOBX constructs an OBX (Observation/Result) segment. OBX-2 is NM for
// numeric values and ranges, TX for other text and CE when there is no value.
// OBX-11 carries the result status and OBX-12 the observation time.
func buildOBX(setID int, o ipsmodel.Observation) string {
	valueType, value, unit := "CE", "", ""
	if o.Value != "" {
		if m := numericValue.FindStringSubmatch(o.Value); m != nil {
			valueType, value, unit = "NM", m[1], m[2]
		} else {
			valueType, value = "TX", o.Value
		}
	}

	return fmt.Sprintf("OBX|%d|%s|%s||%s|%s|||||%s|%s",
		setID, valueType, coded(o.Code, o.Name, o.System),
		escapeHL7(value), escapeHL7(unit), resultStatus(o.Status), hl7Stamp(o.Date))
}

// coded renders a code^name^system composite.
func coded(code, name, system string) string {
	return escapeHL7(code) + "^" + escapeHL7(name) + "^" + escapeHL7(system)
}

func hl7Stamp(t time.Time) string {
	return t.UTC().Format(hl7TimeLayout)
}

// hl7DOB converts an ISO date to yyyyMMdd. Values that are not ISO dates are
// written empty so the receiver falls back to its default.
func hl7DOB(dob string) string {
	t, err := time.Parse(ipsmodel.DateLayout, dob)
	if err != nil {
		return ""
	}
	return t.Format(hl7DateLayout)
}

// genderCode converts a canonical gender to an HL7v2 administrative sex code.
func genderCode(g ipsmodel.Gender) string {
	switch g {
	case ipsmodel.GenderMale:
		return "M"
	case ipsmodel.GenderFemale:
		return "F"
	case ipsmodel.GenderOther:
		return "O"
	default:
		return "U"
	}
}

func severityCode(c ipsmodel.Criticality) string {
	switch strings.ToLower(string(c)) {
	case "high":
		return "SV"
	case "moderate":
		return "MO"
	case "mild", "low":
		return "MI"
	default:
		return "U"
	}
}

// resultStatus converts a FHIR observation status to HL7v2 result status.
func resultStatus(status string) string {
	switch status {
	case "preliminary":
		return "P"
	case "cancelled":
		return "X"
	case "corrected", "amended":
		return "C"
	default:
		return "F"
	}
}
