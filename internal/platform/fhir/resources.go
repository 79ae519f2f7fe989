package fhir

import "encoding/json"

// Resource types understood by the bundle codec.
const (
	TypePatient                  = "Patient"
	TypePractitioner             = "Practitioner"
	TypeOrganization             = "Organization"
	TypeMedication               = "Medication"
	TypeMedicationStatement      = "MedicationStatement"
	TypeMedicationRequest        = "MedicationRequest"
	TypeMedicationAdministration = "MedicationAdministration"
	TypeAllergyIntolerance       = "AllergyIntolerance"
	TypeCondition                = "Condition"
	TypeObservation              = "Observation"
	TypeImmunization             = "Immunization"
)

type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
	Address      []Address    `json:"address,omitempty"`
}

type Practitioner struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Name         []HumanName `json:"name,omitempty"`
}

type Organization struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
}

type Medication struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Code         *CodeableConcept `json:"code,omitempty"`
}

// Dosage covers the parts of a Dosage element the codec reads.
type Dosage struct {
	Text        string           `json:"text,omitempty"`
	Timing      *Timing          `json:"timing,omitempty"`
	Route       *CodeableConcept `json:"route,omitempty"`
	DoseAndRate []DoseAndRate    `json:"doseAndRate,omitempty"`
}

type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

type TimingRepeat struct {
	Frequency  *int        `json:"frequency,omitempty"`
	Period     json.Number `json:"period,omitempty"`
	PeriodUnit string      `json:"periodUnit,omitempty"`
}

type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// AdministrationDosage is MedicationAdministration.dosage, a single object
// rather than a list.
type AdministrationDosage struct {
	Text  string           `json:"text,omitempty"`
	Route *CodeableConcept `json:"route,omitempty"`
	Dose  *Quantity        `json:"dose,omitempty"`
}

type MedicationStatement struct {
	ResourceType              string           `json:"resourceType"`
	ID                        string           `json:"id,omitempty"`
	Status                    string           `json:"status,omitempty"`
	Contained                 []Medication     `json:"contained,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	Subject                   *Reference       `json:"subject,omitempty"`
	EffectiveDateTime         string           `json:"effectiveDateTime,omitempty"`
	EffectivePeriod           *Period          `json:"effectivePeriod,omitempty"`
	DateAsserted              string           `json:"dateAsserted,omitempty"`
	Dosage                    []Dosage         `json:"dosage,omitempty"`
}

type MedicationRequest struct {
	ResourceType              string           `json:"resourceType"`
	ID                        string           `json:"id,omitempty"`
	Status                    string           `json:"status,omitempty"`
	Contained                 []Medication     `json:"contained,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	Subject                   *Reference       `json:"subject,omitempty"`
	AuthoredOn                string           `json:"authoredOn,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
}

type MedicationAdministration struct {
	ResourceType              string                `json:"resourceType"`
	ID                        string                `json:"id,omitempty"`
	Status                    string                `json:"status,omitempty"`
	Contained                 []Medication          `json:"contained,omitempty"`
	MedicationReference       *Reference            `json:"medicationReference,omitempty"`
	MedicationCodeableConcept *CodeableConcept      `json:"medicationCodeableConcept,omitempty"`
	Subject                   *Reference            `json:"subject,omitempty"`
	EffectiveDateTime         string                `json:"effectiveDateTime,omitempty"`
	EffectivePeriod           *Period               `json:"effectivePeriod,omitempty"`
	Dosage                    *AdministrationDosage `json:"dosage,omitempty"`
}

type AllergyIntolerance struct {
	ResourceType  string           `json:"resourceType"`
	ID            string           `json:"id,omitempty"`
	Category      []string         `json:"category,omitempty"`
	Criticality   string           `json:"criticality,omitempty"`
	Code          *CodeableConcept `json:"code,omitempty"`
	Patient       *Reference       `json:"patient,omitempty"`
	OnsetDateTime string           `json:"onsetDateTime,omitempty"`
	RecordedDate  string           `json:"recordedDate,omitempty"`
}

type Condition struct {
	ResourceType  string           `json:"resourceType"`
	ID            string           `json:"id,omitempty"`
	Code          *CodeableConcept `json:"code,omitempty"`
	Subject       *Reference       `json:"subject,omitempty"`
	OnsetDateTime string           `json:"onsetDateTime,omitempty"`
	RecordedDate  string           `json:"recordedDate,omitempty"`
}

type ObservationComponent struct {
	Code          *CodeableConcept `json:"code,omitempty"`
	ValueQuantity *Quantity        `json:"valueQuantity,omitempty"`
}

type Observation struct {
	ResourceType         string                 `json:"resourceType"`
	ID                   string                 `json:"id,omitempty"`
	Status               string                 `json:"status,omitempty"`
	Code                 *CodeableConcept       `json:"code,omitempty"`
	Subject              *Reference             `json:"subject,omitempty"`
	EffectiveDateTime    string                 `json:"effectiveDateTime,omitempty"`
	EffectivePeriod      *Period                `json:"effectivePeriod,omitempty"`
	Issued               string                 `json:"issued,omitempty"`
	ValueQuantity        *Quantity              `json:"valueQuantity,omitempty"`
	ValueString          string                 `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept       `json:"valueCodeableConcept,omitempty"`
	BodySite             *CodeableConcept       `json:"bodySite,omitempty"`
	Component            []ObservationComponent `json:"component,omitempty"`
}

type Immunization struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	Status             string           `json:"status,omitempty"`
	VaccineCode        *CodeableConcept `json:"vaccineCode,omitempty"`
	Patient            *Reference       `json:"patient,omitempty"`
	OccurrenceDateTime string           `json:"occurrenceDateTime,omitempty"`
}
