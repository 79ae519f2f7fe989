package ips

import (
	"strings"
	"time"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// childKey identifies a child entry across imports.
type childKey struct {
	name string
	date int64
}

func keyOf(name string, date time.Time) childKey {
	return childKey{name: strings.TrimSpace(name), date: date.UTC().Unix()}
}

// Merge folds incoming into existing and returns the result; neither input
// is modified. The package UUID of existing is kept. Demographics come from
// incoming where it carries a real value, so documented defaults such as
// "Unknown" never overwrite known data. Children are matched by (name,
// date): a match is updated field by field, anything else is appended.
func Merge(existing, incoming *ipsmodel.Record) *ipsmodel.Record {
	out := *existing
	if incoming.Timestamp.After(existing.Timestamp) {
		out.Timestamp = incoming.Timestamp
	}

	pick(&out.FamilyName, incoming.FamilyName)
	pick(&out.GivenName, incoming.GivenName)
	pick(&out.Nation, incoming.Nation)
	pick(&out.Organization, incoming.Organization)
	pick(&out.Practitioner, incoming.Practitioner)
	pick(&out.Identifier, incoming.Identifier)
	pick(&out.Identifier2, incoming.Identifier2)
	if incoming.DOB != "" && incoming.DOB != ipsmodel.DefaultDOB {
		out.DOB = incoming.DOB
	}
	if incoming.Gender != "" && incoming.Gender != ipsmodel.GenderUnknown {
		out.Gender = incoming.Gender
	}

	out.Medications = mergeChildren(existing.Medications, incoming.Medications,
		func(m ipsmodel.Medication) childKey { return keyOf(m.Name, m.Date) },
		func(dst *ipsmodel.Medication, src ipsmodel.Medication) {
			overwrite(&dst.Dosage, src.Dosage)
			overwrite(&dst.System, src.System)
			overwrite(&dst.Code, src.Code)
			overwrite(&dst.Status, src.Status)
		})
	out.Allergies = mergeChildren(existing.Allergies, incoming.Allergies,
		func(a ipsmodel.Allergy) childKey { return keyOf(a.Name, a.Date) },
		func(dst *ipsmodel.Allergy, src ipsmodel.Allergy) {
			if src.Criticality != "" && src.Criticality != ipsmodel.CriticalityUnknown {
				dst.Criticality = src.Criticality
			}
			overwrite(&dst.System, src.System)
			overwrite(&dst.Code, src.Code)
		})
	out.Conditions = mergeChildren(existing.Conditions, incoming.Conditions,
		func(c ipsmodel.Condition) childKey { return keyOf(c.Name, c.Date) },
		func(dst *ipsmodel.Condition, src ipsmodel.Condition) {
			overwrite(&dst.System, src.System)
			overwrite(&dst.Code, src.Code)
		})
	out.Observations = mergeChildren(existing.Observations, incoming.Observations,
		func(o ipsmodel.Observation) childKey { return keyOf(o.Name, o.Date) },
		func(dst *ipsmodel.Observation, src ipsmodel.Observation) {
			overwrite(&dst.Value, src.Value)
			overwrite(&dst.System, src.System)
			overwrite(&dst.Code, src.Code)
			overwrite(&dst.ValueCode, src.ValueCode)
			overwrite(&dst.BodySite, src.BodySite)
			overwrite(&dst.Status, src.Status)
		})
	out.Immunizations = mergeChildren(existing.Immunizations, incoming.Immunizations,
		func(im ipsmodel.Immunization) childKey { return keyOf(im.Name, im.Date) },
		func(dst *ipsmodel.Immunization, src ipsmodel.Immunization) {
			overwrite(&dst.System, src.System)
			overwrite(&dst.Code, src.Code)
			overwrite(&dst.Status, src.Status)
		})
	return &out
}

// mergeChildren copies existing, updates entries whose key matches an
// incoming entry and appends the rest in incoming order.
func mergeChildren[T any](existing, incoming []T, key func(T) childKey, update func(*T, T)) []T {
	out := make([]T, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[childKey]int, len(out))
	for i, item := range out {
		if _, dup := index[key(item)]; !dup {
			index[key(item)] = i
		}
	}
	for _, item := range incoming {
		k := key(item)
		if i, ok := index[k]; ok {
			update(&out[i], item)
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

// pick sets *dst to src unless src is blank or the documented default.
func pick(dst *string, src string) {
	if strings.TrimSpace(src) != "" && src != ipsmodel.DefaultText {
		*dst = src
	}
}

func overwrite(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}
