package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// pendingMedication is a medication read from a Statement, Request or
// Administration whose reference has not been resolved yet.
type pendingMedication struct {
	med       ipsmodel.Medication
	ref       string
	contained []Medication
}

// decoder accumulates one bundle. Medication resources are indexed as they
// appear and joined with pending medications after the last entry.
type decoder struct {
	rec     *ipsmodel.Record
	pending []pendingMedication
	meds    map[string]Medication
}

// DecodeBundle reads a FHIR Bundle into a canonical record. Resource types
// outside the supported set are skipped.
func DecodeBundle(payload []byte) (*ipsmodel.Record, error) {
	var b Bundle
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("fhir: invalid bundle JSON: %v: %w", err, ipsmodel.ErrMalformedInput)
	}
	if b.ResourceType != "" && !strings.EqualFold(b.ResourceType, "Bundle") {
		return nil, fmt.Errorf("fhir: expected a Bundle, got %q: %w", b.ResourceType, ipsmodel.ErrMalformedInput)
	}

	d := &decoder{
		rec:  ipsmodel.NewRecord(),
		meds: make(map[string]Medication),
	}
	if b.ID != "" {
		d.rec.PackageUUID = b.ID
	}
	if b.Timestamp != "" {
		ts, err := parseDateTime(b.Timestamp)
		if err != nil {
			return nil, err
		}
		d.rec.Timestamp = ts
	}

	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		rt, err := jsonparser.GetString(e.Resource, "resourceType")
		if err != nil {
			continue
		}
		if err := d.decodeResource(rt, e); err != nil {
			return nil, fmt.Errorf("fhir: entry %d (%s): %w", i, rt, err)
		}
	}

	d.resolveMedications()
	d.rec.Normalize()
	return d.rec, nil
}

func (d *decoder) decodeResource(resourceType string, e BundleEntry) error {
	switch strings.ToLower(resourceType) {
	case "patient":
		var p Patient
		if err := unmarshal(e.Resource, &p); err != nil {
			return err
		}
		d.patient(&p)
	case "practitioner":
		var p Practitioner
		if err := unmarshal(e.Resource, &p); err != nil {
			return err
		}
		d.rec.Practitioner = practitionerName(&p)
	case "organization":
		var o Organization
		if err := unmarshal(e.Resource, &o); err != nil {
			return err
		}
		d.rec.Organization = o.Name
	case "medication":
		var m Medication
		if err := unmarshal(e.Resource, &m); err != nil {
			return err
		}
		if m.ID != "" {
			d.meds[m.ID] = m
		}
		if key := referenceKey(e.FullURL); key != "" {
			d.meds[key] = m
		}
	case "medicationstatement":
		var m MedicationStatement
		if err := unmarshal(e.Resource, &m); err != nil {
			return err
		}
		date, err := firstDateTime(m.EffectiveDateTime, periodStart(m.EffectivePeriod), m.DateAsserted)
		if err != nil {
			return err
		}
		var dosage string
		if len(m.Dosage) > 0 {
			dosage = dosageText(&m.Dosage[0])
		}
		d.addPending(m.Status, date, dosage, m.MedicationReference, m.MedicationCodeableConcept, m.Contained)
	case "medicationrequest":
		var m MedicationRequest
		if err := unmarshal(e.Resource, &m); err != nil {
			return err
		}
		date, err := parseDateTime(m.AuthoredOn)
		if err != nil {
			return err
		}
		var dosage string
		if len(m.DosageInstruction) > 0 {
			dosage = dosageText(&m.DosageInstruction[0])
		}
		d.addPending(m.Status, date, dosage, m.MedicationReference, m.MedicationCodeableConcept, m.Contained)
	case "medicationadministration":
		var m MedicationAdministration
		if err := unmarshal(e.Resource, &m); err != nil {
			return err
		}
		date, err := firstDateTime(m.EffectiveDateTime, periodStart(m.EffectivePeriod))
		if err != nil {
			return err
		}
		var dosage string
		if m.Dosage != nil {
			dosage = m.Dosage.Text
			if dosage == "" {
				dosage = quantityText(m.Dosage.Dose)
			}
		}
		d.addPending(m.Status, date, dosage, m.MedicationReference, m.MedicationCodeableConcept, m.Contained)
	case "allergyintolerance":
		var a AllergyIntolerance
		if err := unmarshal(e.Resource, &a); err != nil {
			return err
		}
		date, err := firstDateTime(a.OnsetDateTime, a.RecordedDate)
		if err != nil {
			return err
		}
		c := a.Code.First()
		d.rec.Allergies = append(d.rec.Allergies, ipsmodel.Allergy{
			Name:        a.Code.Label(),
			Date:        date,
			Criticality: criticalityFromFHIR(a.Criticality),
			System:      c.System,
			Code:        c.Code,
		})
	case "condition":
		var c Condition
		if err := unmarshal(e.Resource, &c); err != nil {
			return err
		}
		date, err := firstDateTime(c.OnsetDateTime, c.RecordedDate)
		if err != nil {
			return err
		}
		coding := c.Code.First()
		d.rec.Conditions = append(d.rec.Conditions, ipsmodel.Condition{
			Name:   c.Code.Label(),
			Date:   date,
			System: coding.System,
			Code:   coding.Code,
		})
	case "observation":
		var o Observation
		if err := unmarshal(e.Resource, &o); err != nil {
			return err
		}
		obs, err := observation(&o)
		if err != nil {
			return err
		}
		d.rec.Observations = append(d.rec.Observations, obs)
	case "immunization":
		var im Immunization
		if err := unmarshal(e.Resource, &im); err != nil {
			return err
		}
		date, err := parseDateTime(im.OccurrenceDateTime)
		if err != nil {
			return err
		}
		c := im.VaccineCode.First()
		name := im.VaccineCode.Label()
		if name == "" {
			name = c.Code
		}
		d.rec.Immunizations = append(d.rec.Immunizations, ipsmodel.Immunization{
			Name:   name,
			Date:   date,
			System: c.System,
			Code:   c.Code,
			Status: im.Status,
		})
	}
	return nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%v: %w", err, ipsmodel.ErrMalformedInput)
	}
	return nil
}

func (d *decoder) patient(p *Patient) {
	if len(p.Name) > 0 {
		n := p.Name[0]
		d.rec.FamilyName = ipsmodel.OrDefault(n.Family)
		given := ""
		if len(n.Given) > 0 {
			given = n.Given[0]
		}
		d.rec.GivenName = ipsmodel.OrDefault(given)
	}
	if p.BirthDate != "" {
		d.rec.DOB = birthDate(p.BirthDate)
	}
	if p.Gender != "" {
		d.rec.Gender = ipsmodel.ParseGender(p.Gender)
	}
	if len(p.Address) > 0 {
		d.rec.Nation = ipsmodel.OrDefault(p.Address[0].Country)
	}
	if len(p.Identifier) > 0 {
		d.rec.Identifier = p.Identifier[0].Value
	}
	if len(p.Identifier) > 1 {
		d.rec.Identifier2 = p.Identifier[1].Value
	}
}

func practitionerName(p *Practitioner) string {
	if len(p.Name) == 0 {
		return ipsmodel.DefaultText
	}
	n := p.Name[0]
	if n.Text != "" {
		return n.Text
	}
	var parts []string
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	if len(n.Given) > 0 && n.Given[0] != "" {
		parts = append(parts, n.Given[0])
	}
	return ipsmodel.OrDefault(strings.Join(parts, ", "))
}

// addPending records a medication whose coding may still come from a
// referenced Medication. The name is taken from the reference display, then
// the inline concept, then the first contained Medication.
func (d *decoder) addPending(status string, date time.Time, dosage string, ref *Reference, cc *CodeableConcept, contained []Medication) {
	p := pendingMedication{
		med: ipsmodel.Medication{
			Date:   date,
			Dosage: dosage,
			Status: status,
		},
		contained: contained,
	}

	if ref != nil {
		p.ref = ref.Reference
		p.med.Name = ref.Display
	}
	if cc != nil {
		c := cc.First()
		p.med.System, p.med.Code = c.System, c.Code
		if p.med.Name == "" {
			p.med.Name = cc.Label()
		}
	}
	if p.med.Name == "" && len(contained) > 0 {
		p.med.Name = contained[0].Code.Label()
	}

	d.pending = append(d.pending, p)
}

// resolveMedications joins pending medications with the Medication index.
// Unresolvable references keep whatever the medication already carries.
func (d *decoder) resolveMedications() {
	for _, p := range d.pending {
		med := p.med
		if m, ok := d.lookup(p); ok {
			c := m.Code.First()
			if c.System != "" {
				med.System = c.System
			}
			if c.Code != "" {
				med.Code = c.Code
			}
			if med.Name == "" {
				med.Name = m.Code.Label()
			}
		}
		d.rec.Medications = append(d.rec.Medications, med)
	}
}

func (d *decoder) lookup(p pendingMedication) (Medication, bool) {
	key := referenceKey(p.ref)
	if key == "" {
		return Medication{}, false
	}
	for _, c := range p.contained {
		if c.ID == key {
			return c, true
		}
	}
	m, ok := d.meds[key]
	return m, ok
}

// referenceKey reduces "Medication/med1", "#med1", "urn:uuid:med1" and full
// URLs ending in Medication/med1 to "med1".
func referenceKey(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "urn:uuid:")
	ref = strings.TrimPrefix(ref, "#")
	if i := strings.LastIndex(ref, "Medication/"); i >= 0 {
		ref = ref[i+len("Medication/"):]
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	return ref
}

// dosageText renders a Dosage as free text: the text element, else
// "<value> <unit> <frequency><periodUnit>", else the timing code text.
func dosageText(ds *Dosage) string {
	if ds.Text != "" {
		return ds.Text
	}
	if len(ds.DoseAndRate) > 0 && ds.DoseAndRate[0].DoseQuantity != nil {
		text := quantityText(ds.DoseAndRate[0].DoseQuantity)
		if ds.Timing != nil && ds.Timing.Repeat != nil {
			r := ds.Timing.Repeat
			if r.Frequency != nil && r.PeriodUnit != "" {
				text += fmt.Sprintf(" %d%s", *r.Frequency, r.PeriodUnit)
			}
		}
		return text
	}
	if ds.Timing != nil && ds.Timing.Code != nil {
		return ds.Timing.Code.Text
	}
	return ""
}

func quantityText(q *Quantity) string {
	if q == nil {
		return ""
	}
	return strings.TrimSpace(q.Value.String() + " " + q.Unit)
}

func periodStart(p *Period) string {
	if p == nil {
		return ""
	}
	return p.Start
}

// observation maps an Observation resource. The value is read from, in
// order: exactly two components as "v1-v2 unit", valueQuantity,
// valueString, then the body site coding display.
func observation(o *Observation) (ipsmodel.Observation, error) {
	date, err := firstDateTime(o.EffectiveDateTime, periodStart(o.EffectivePeriod), o.Issued)
	if err != nil {
		return ipsmodel.Observation{}, err
	}
	c := o.Code.First()
	obs := ipsmodel.Observation{
		Name:   o.Code.Label(),
		Date:   date,
		System: c.System,
		Code:   c.Code,
		Status: o.Status,
	}
	if o.ValueCodeableConcept != nil {
		obs.ValueCode = o.ValueCodeableConcept.First().Code
	}

	siteDisplay := o.BodySite.First().Display
	valueFromSite := false
	switch {
	case len(o.Component) == 2 && o.Component[0].ValueQuantity != nil && o.Component[1].ValueQuantity != nil:
		lo, hi := o.Component[0].ValueQuantity, o.Component[1].ValueQuantity
		obs.Value = strings.TrimSpace(lo.Value.String() + "-" + hi.Value.String() + " " + lo.Unit)
	case o.ValueQuantity != nil:
		obs.Value = quantityText(o.ValueQuantity)
	case o.ValueString != "":
		obs.Value = o.ValueString
	default:
		obs.Value = siteDisplay
		valueFromSite = siteDisplay != ""
	}

	if o.BodySite != nil {
		obs.BodySite = o.BodySite.Text
		if obs.BodySite == "" && !valueFromSite {
			obs.BodySite = siteDisplay
		}
	}
	return obs, nil
}

func criticalityFromFHIR(c string) ipsmodel.Criticality {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case "high":
		return ipsmodel.CriticalityHigh
	case "moderate", "medium":
		return ipsmodel.CriticalityModerate
	case "low", "mild":
		return ipsmodel.CriticalityMild
	default:
		return ipsmodel.CriticalityUnknown
	}
}
