package fhir

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// Identifier systems written on the Patient.
const (
	SystemNATOID     = "NATO_Id"
	SystemNationalID = "National_Id"
	SystemUCUM       = "http://unitsofmeasure.org"
	SystemSNOMED     = "http://snomed.info/sct"
)

const patientRef = "Patient/pt1"

var (
	quantityValue = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)(?:\s*([^\d\s-].*))?$`)
	rangeValue    = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)\s*-\s*(\d+(?:\.\d+)?)\s*(mmHg|mm\[Hg\])$`)
	hasDigit      = regexp.MustCompile(`\d`)
)

// EncodeBundle writes r as a collection Bundle. Resource ids are local to
// the bundle: pt1, prac1, org1, then medreqN/medN, allergyN, conditionN,
// obN and immunizationN numbered from 1.
func EncodeBundle(r *ipsmodel.Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("fhir: nil record: %w", ipsmodel.ErrMalformedInput)
	}

	resources := []any{encodePatient(r)}
	if strings.TrimSpace(r.Practitioner) != "" {
		resources = append(resources, &Practitioner{
			ResourceType: TypePractitioner,
			ID:           "prac1",
			Name:         []HumanName{{Text: r.Practitioner}},
		})
	}
	if r.Organization != "" {
		resources = append(resources, &Organization{
			ResourceType: TypeOrganization,
			ID:           "org1",
			Name:         r.Organization,
		})
	}

	for i, m := range r.Medications {
		n := i + 1
		medID := fmt.Sprintf("med%d", n)
		req := &MedicationRequest{
			ResourceType: TypeMedicationRequest,
			ID:           fmt.Sprintf("medreq%d", n),
			Status:       m.Status,
			MedicationReference: &Reference{
				Reference: "Medication/" + medID,
				Display:   m.Name,
			},
			Subject:    &Reference{Reference: patientRef},
			AuthoredOn: formatInstant(m.Date),
		}
		if m.Dosage != "" {
			req.DosageInstruction = []Dosage{{Text: m.Dosage}}
		}
		resources = append(resources, req, &Medication{
			ResourceType: TypeMedication,
			ID:           medID,
			Code:         concept(m.System, m.Code, m.Name),
		})
	}

	for i, a := range r.Allergies {
		resources = append(resources, &AllergyIntolerance{
			ResourceType:  TypeAllergyIntolerance,
			ID:            fmt.Sprintf("allergy%d", i+1),
			Category:      []string{"medication"},
			Criticality:   criticalityToFHIR(a.Criticality),
			Code:          concept(a.System, a.Code, a.Name),
			Patient:       &Reference{Reference: patientRef},
			OnsetDateTime: formatInstant(a.Date),
		})
	}

	for i, c := range r.Conditions {
		resources = append(resources, &Condition{
			ResourceType:  TypeCondition,
			ID:            fmt.Sprintf("condition%d", i+1),
			Code:          concept(c.System, c.Code, c.Name),
			Subject:       &Reference{Reference: patientRef},
			OnsetDateTime: formatInstant(c.Date),
		})
	}

	for i, o := range r.Observations {
		resources = append(resources, encodeObservation(fmt.Sprintf("ob%d", i+1), o))
	}

	for i, im := range r.Immunizations {
		resources = append(resources, &Immunization{
			ResourceType:       TypeImmunization,
			ID:                 fmt.Sprintf("immunization%d", i+1),
			Status:             im.Status,
			VaccineCode:        concept(im.System, im.Code, im.Name),
			Patient:            &Reference{Reference: patientRef},
			OccurrenceDateTime: formatInstant(im.Date),
		})
	}

	b, err := NewCollectionBundle(r.PackageUUID, formatInstant(r.Timestamp), resources...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

func encodePatient(r *ipsmodel.Record) *Patient {
	id1, id2 := r.Identifier, r.Identifier2
	if id1 == "" {
		id1 = shortID()
	}
	if id2 == "" {
		id2 = shortID()
	}
	p := &Patient{
		ResourceType: TypePatient,
		ID:           "pt1",
		Identifier: []Identifier{
			{System: SystemNATOID, Value: id1},
			{System: SystemNationalID, Value: id2},
		},
		Name:      []HumanName{{Family: r.FamilyName, Given: []string{r.GivenName}}},
		Gender:    strings.ToLower(string(r.Gender)),
		BirthDate: r.DOB,
	}
	if r.Nation != "" {
		p.Address = []Address{{Country: r.Nation}}
	}
	return p
}

func shortID() string {
	return uuid.NewString()[:8]
}

// concept builds a single-coding CodeableConcept, or nil when every part
// is empty.
func concept(system, code, display string) *CodeableConcept {
	if system == "" && code == "" && display == "" {
		return nil
	}
	return &CodeableConcept{Coding: []Coding{{System: system, Code: code, Display: display}}}
}

// encodeObservation chooses the value element from the shape of the text:
// a blood pressure range becomes two components, a number with an optional
// unit becomes valueQuantity, other text containing digits stays
// valueString, and text without digits is written as the body site.
func encodeObservation(id string, o ipsmodel.Observation) *Observation {
	ob := &Observation{
		ResourceType:      TypeObservation,
		ID:                id,
		Status:            o.Status,
		Code:              concept(o.System, o.Code, o.Name),
		Subject:           &Reference{Reference: patientRef},
		EffectiveDateTime: formatInstant(o.Date),
	}
	if o.ValueCode != "" {
		ob.ValueCodeableConcept = &CodeableConcept{Coding: []Coding{{Code: o.ValueCode}}}
	}

	value := strings.TrimSpace(o.Value)
	var siteDisplay string
	switch {
	case value == "":
	case rangeValue.MatchString(value):
		m := rangeValue.FindStringSubmatch(value)
		ob.Component = []ObservationComponent{
			bloodPressure("271649006", "Systolic blood pressure", m[1], m[3]),
			bloodPressure("271650006", "Diastolic blood pressure", m[2], m[3]),
		}
	case quantityValue.MatchString(value):
		m := quantityValue.FindStringSubmatch(value)
		unit := strings.TrimSpace(m[2])
		q := &Quantity{Value: json.Number(m[1]), Unit: unit}
		if unit != "" {
			q.System, q.Code = SystemUCUM, unit
		}
		ob.ValueQuantity = q
	case hasDigit.MatchString(value):
		ob.ValueString = value
	default:
		siteDisplay = value
	}

	if siteDisplay != "" || o.BodySite != "" {
		site := &CodeableConcept{Text: o.BodySite}
		if siteDisplay != "" {
			site.Coding = []Coding{{Display: siteDisplay}}
		}
		ob.BodySite = site
	}
	return ob
}

func bloodPressure(code, display, value, unit string) ObservationComponent {
	return ObservationComponent{
		Code: concept(SystemSNOMED, code, display),
		ValueQuantity: &Quantity{
			Value:  json.Number(value),
			Unit:   unit,
			System: SystemUCUM,
			Code:   "mm[Hg]",
		},
	}
}

func criticalityToFHIR(c ipsmodel.Criticality) string {
	switch c {
	case ipsmodel.CriticalityHigh:
		return "high"
	case ipsmodel.CriticalityModerate:
		return "moderate"
	case ipsmodel.CriticalityMild:
		return "low"
	case ipsmodel.CriticalityUnknown:
		return "unable-to-assess"
	default:
		return ""
	}
}
