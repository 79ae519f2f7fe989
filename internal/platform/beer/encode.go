package beer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/ips/pkg/ipsmodel"
)

// conditionRelativeWindow is the distance from the record timestamp under
// which a condition date is written as a signed minute delta.
const conditionRelativeWindow = 1440 * time.Minute

// Encode renders r as a BEER packet with delim between tokens. An empty
// delimiter selects Newline.
func Encode(r *ipsmodel.Record, delim Delimiter) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("beer: nil record")
	}
	if delim == "" {
		delim = Newline
	}
	now := r.Timestamp.UTC()
	w := &tokenWriter{delim: string(delim)}

	w.put(headerMagic)
	w.put(headerVersion)
	w.put(r.PackageUUID)
	w.put(now.Format(stampLayout))
	w.put(r.FamilyName)
	w.put(r.GivenName)
	w.put(compactDOB(r.DOB))
	w.put(genderCode(r.Gender))
	w.put(r.Nation)
	w.put(r.Organization)
	w.put(r.Practitioner)

	var pastMeds, futureMeds []ipsmodel.Medication
	for _, m := range r.Medications {
		if m.Date.Before(now) {
			pastMeds = append(pastMeds, m)
		} else {
			futureMeds = append(futureMeds, m)
		}
	}
	var pastObs, futureObs []ipsmodel.Observation
	for _, o := range r.Observations {
		if o.Date.Before(now) {
			pastObs = append(pastObs, o)
		} else {
			futureObs = append(futureObs, o)
		}
	}

	if len(pastMeds) > 0 {
		groups := groupBy(pastMeds, func(m ipsmodel.Medication) string { return m.Name + "\x00" + m.Dosage })
		w.put(marker('M', 3, len(groups)))
		for _, g := range groups {
			w.put(g.items[0].Name)
			w.putList(mapItems(g.items, func(m ipsmodel.Medication) string { return day(m.Date) }))
			w.put(g.items[0].Dosage)
		}
	}

	if len(r.Allergies) > 0 {
		w.put(marker('A', 3, len(r.Allergies)))
		for _, a := range r.Allergies {
			w.put(a.Name)
			w.put(criticalityCode(a.Criticality))
			w.put(day(a.Date))
		}
	}

	if len(r.Conditions) > 0 {
		w.put(marker('C', 2, len(r.Conditions)))
		for _, c := range r.Conditions {
			w.put(c.Name)
			w.put(conditionDate(c.Date, now))
		}
	}

	if len(pastObs) > 0 {
		groups := groupBy(pastObs, func(o ipsmodel.Observation) string { return o.Name })
		w.put(marker('O', 3, len(groups)))
		for _, g := range groups {
			w.put(g.key)
			w.putList(mapItems(g.items, func(o ipsmodel.Observation) string { return day(o.Date) }))
			w.putList(mapItems(g.items, func(o ipsmodel.Observation) string { return o.Value }))
		}
	}

	if len(r.Immunizations) > 0 {
		w.put(marker('I', 3, len(r.Immunizations)))
		for _, im := range r.Immunizations {
			w.put(im.Name)
			w.put(im.System)
			w.put(day(im.Date))
		}
	}

	if len(futureMeds) > 0 || len(futureObs) > 0 {
		anchor := earliest(futureMeds, futureObs).Truncate(time.Minute)
		w.put(anchor.Format(stampLayout))
		encodeFuture(w, anchor, futureMeds, futureObs)
	}

	return []byte(w.String()), nil
}

func encodeFuture(w *tokenWriter, anchor time.Time, meds []ipsmodel.Medication, obs []ipsmodel.Observation) {
	offset := func(t time.Time) string {
		return strconv.FormatInt(int64(t.Sub(anchor)/time.Minute), 10)
	}

	if len(meds) > 0 {
		groups := groupBy(meds, func(m ipsmodel.Medication) string { return m.Name })
		w.put(marker('m', 3, len(groups)))
		for _, g := range groups {
			w.put(g.key)
			w.putList(mapItems(g.items, func(m ipsmodel.Medication) string { return offset(m.Date) }))
			// route; not read back
			w.put("O" + strconv.Itoa(len(g.items)))
		}
	}

	var vitalObs, otherObs []ipsmodel.Observation
	for _, o := range obs {
		if _, ok := vitalByName(o.Name); ok {
			vitalObs = append(vitalObs, o)
		} else {
			otherObs = append(otherObs, o)
		}
	}

	if len(vitalObs) > 0 {
		groups := groupBy(vitalObs, func(o ipsmodel.Observation) string {
			v, _ := vitalByName(o.Name)
			return string(v.letter)
		})
		w.put("v" + strconv.Itoa(len(groups)))
		for _, g := range groups {
			v, _ := vitalByLetter(g.key[0])
			entries := mapItems(g.items, func(o ipsmodel.Observation) string {
				return offset(o.Date) + "+" + rawVitalValue(v, o.Value)
			})
			w.put(g.key + strings.Join(entries, ","))
		}
	}

	if len(otherObs) > 0 {
		groups := groupBy(otherObs, func(o ipsmodel.Observation) string { return o.Name })
		w.put(marker('o', 3, len(groups)))
		for _, g := range groups {
			w.put(g.key)
			w.putList(mapItems(g.items, func(o ipsmodel.Observation) string { return offset(o.Date) }))
			w.putList(mapItems(g.items, func(o ipsmodel.Observation) string { return o.Value }))
		}
	}
}

// tokenWriter writes each token followed by the delimiter. Free text has the
// delimiter replaced by a space so it cannot split a token.
type tokenWriter struct {
	sb    strings.Builder
	delim string
}

func (w *tokenWriter) put(tok string) {
	w.sb.WriteString(w.clean(tok))
	w.sb.WriteString(w.delim)
}

func (w *tokenWriter) putList(items []string) {
	for i, it := range items {
		items[i] = strings.ReplaceAll(it, ",", " ")
	}
	w.put(strings.Join(items, ","))
}

func (w *tokenWriter) clean(tok string) string {
	tok = strings.ReplaceAll(tok, w.delim, " ")
	if w.delim == string(Newline) {
		tok = strings.ReplaceAll(tok, "\r", " ")
	}
	return tok
}

func (w *tokenWriter) String() string { return w.sb.String() }

type group[T any] struct {
	key   string
	items []T
}

// groupBy groups items by key in order of first appearance.
func groupBy[T any](items []T, key func(T) string) []group[T] {
	var groups []group[T]
	index := make(map[string]int)
	for _, it := range items {
		k := key(it)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group[T]{key: k})
		}
		groups[i].items = append(groups[i].items, it)
	}
	return groups
}

func mapItems[T any](items []T, f func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = f(it)
	}
	return out
}

func earliest(meds []ipsmodel.Medication, obs []ipsmodel.Observation) time.Time {
	var first time.Time
	consider := func(t time.Time) {
		if first.IsZero() || t.Before(first) {
			first = t
		}
	}
	for _, m := range meds {
		consider(m.Date)
	}
	for _, o := range obs {
		consider(o.Date)
	}
	return first.UTC()
}

func day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// conditionDate writes a signed minute delta for dates within a day of the
// record timestamp, otherwise an absolute day.
func conditionDate(date, now time.Time) string {
	delta := date.Sub(now)
	if delta > -conditionRelativeWindow && delta < conditionRelativeWindow {
		return strconv.FormatInt(int64(delta/time.Minute), 10)
	}
	return day(date)
}

func compactDOB(dob string) string {
	if t, err := time.Parse(ipsmodel.DateLayout, dob); err == nil {
		return t.Format(dayLayout)
	}
	if digits := keep(dob, isDigit); len(digits) == 8 {
		return digits
	}
	return ""
}

func genderCode(g ipsmodel.Gender) string {
	switch g {
	case ipsmodel.GenderMale:
		return "m"
	case ipsmodel.GenderFemale:
		return "f"
	case ipsmodel.GenderOther:
		return "o"
	default:
		return "u"
	}
}

func criticalityCode(c ipsmodel.Criticality) string {
	switch strings.ToLower(string(c)) {
	case "high":
		return "h"
	case "moderate", "medium":
		return "m"
	case "mild", "low":
		return "l"
	default:
		return "u"
	}
}
