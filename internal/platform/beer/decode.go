package beer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/ips/pkg/ipsmodel"
)

const (
	headerMagic   = "H9"
	headerVersion = "1"

	stampLayout = "200601021504"
	dayLayout   = "20060102"

	futureDosage = "Stat"
)

var relativeOffset = regexp.MustCompile(`^-?\d{1,4}$`)

// Decode parses a BEER packet into a canonical record. The delimiter is
// detected from the packet itself.
func Decode(payload []byte) (*ipsmodel.Record, error) {
	return decode(string(payload), detectionOrder)
}

func decode(text string, order []Delimiter) (*ipsmodel.Record, error) {
	tokens, err := tokenize(text, order)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 2 || tokens[1] != headerVersion {
		v := ""
		if len(tokens) > 1 {
			v = tokens[1]
		}
		return nil, fmt.Errorf("beer: unsupported BEER version %q: %w", v, ipsmodel.ErrMalformedInput)
	}

	st := NewTokenStream(tokens[2:])
	rec, err := decodeHeader(st)
	if err != nil {
		return nil, err
	}
	if err := decodePast(st, rec); err != nil {
		return nil, err
	}
	if err := decodeFuture(st, rec); err != nil {
		return nil, err
	}
	if err := st.Finish(); err != nil {
		return nil, err
	}

	rec.Normalize()
	return rec, nil
}

// tokenize picks the first delimiter whose split yields the H9 magic as
// token 0 and drops the single trailing delimiter the encoder writes.
func tokenize(text string, order []Delimiter) ([]string, error) {
	text = strings.TrimLeft(text, "\ufeff \t\r\n")
	for _, d := range order {
		body := text
		if d == Newline {
			body = strings.TrimSuffix(body, "\n")
		} else {
			body = strings.TrimRight(body, "\r\n")
			body = strings.TrimSuffix(body, string(d))
		}

		tokens := strings.Split(body, string(d))
		if d == Newline {
			for i := range tokens {
				tokens[i] = strings.TrimSuffix(tokens[i], "\r")
			}
		}
		if tokens[0] == headerMagic {
			return tokens, nil
		}
	}
	return nil, fmt.Errorf("beer: not a BEER packet: %w", ipsmodel.ErrMalformedInput)
}

func decodeHeader(st *TokenStream) (*ipsmodel.Record, error) {
	var fields [9]string
	names := [9]string{"packageUuid", "timestamp", "family name", "given name", "date of birth", "gender", "nation", "organization", "practitioner"}
	for i := range fields {
		tok, err := st.Next(names[i])
		if err != nil {
			return nil, err
		}
		fields[i] = strings.TrimSpace(tok)
	}

	rec := ipsmodel.NewRecord()
	if fields[0] != "" {
		rec.PackageUUID = fields[0]
	}

	ts, err := parseStamp(fields[1])
	if err != nil {
		return nil, fmt.Errorf("beer: header timestamp: %w", err)
	}
	rec.Timestamp = ts

	rec.FamilyName = ipsmodel.OrDefault(fields[2])
	rec.GivenName = ipsmodel.OrDefault(fields[3])

	if fields[4] != "" {
		dob, err := parseDay(fields[4])
		if err != nil {
			return nil, fmt.Errorf("beer: header date of birth: %w", err)
		}
		rec.DOB = dob.Format(ipsmodel.DateLayout)
	}

	switch strings.ToLower(fields[5]) {
	case "m":
		rec.Gender = ipsmodel.GenderMale
	case "f":
		rec.Gender = ipsmodel.GenderFemale
	case "o":
		rec.Gender = ipsmodel.GenderOther
	default:
		rec.Gender = ipsmodel.GenderUnknown
	}

	rec.Nation = ipsmodel.OrDefault(fields[6])
	rec.Organization = fields[7]
	rec.Practitioner = ipsmodel.OrDefault(fields[8])
	return rec, nil
}

func decodePast(st *TokenStream, rec *ipsmodel.Record) error {
	if n, ok, err := st.OpenSection('M'); err != nil {
		return err
	} else if ok {
		for i := 0; i < n; i++ {
			if err := decodePastMedication(st, rec); err != nil {
				return err
			}
		}
	}

	if n, ok, err := st.OpenSection('A'); err != nil {
		return err
	} else if ok {
		for i := 0; i < n; i++ {
			if err := decodeAllergy(st, rec); err != nil {
				return err
			}
		}
	}

	if n, ok, err := st.OpenSection('C'); err != nil {
		return err
	} else if ok {
		for i := 0; i < n; i++ {
			if err := decodeCondition(st, rec); err != nil {
				return err
			}
		}
	}

	if n, ok, err := st.OpenSection('O'); err != nil {
		return err
	} else if ok {
		for i := 0; i < n; i++ {
			if err := decodePastObservation(st, rec); err != nil {
				return err
			}
		}
	}

	if n, ok, err := st.OpenSection('I'); err != nil {
		return err
	} else if ok {
		for i := 0; i < n; i++ {
			if err := decodeImmunization(st, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodePastMedication(st *TokenStream, rec *ipsmodel.Record) error {
	name, err := st.Next("medication name")
	if err != nil {
		return err
	}
	dates, err := st.Next("medication dates")
	if err != nil {
		return err
	}
	dosage, err := st.Next("medication dosage")
	if err != nil {
		return err
	}

	for _, d := range splitList(dates) {
		t, err := parseDay(d)
		if err != nil {
			return fmt.Errorf("beer: medication %q: %w", name, err)
		}
		rec.Medications = append(rec.Medications, ipsmodel.Medication{Name: name, Date: t, Dosage: dosage})
	}
	return nil
}

func decodeAllergy(st *TokenStream, rec *ipsmodel.Record) error {
	name, err := st.Next("allergy name")
	if err != nil {
		return err
	}
	crit, err := st.Next("allergy criticality")
	if err != nil {
		return err
	}
	date, err := st.Next("allergy date")
	if err != nil {
		return err
	}

	t, err := parseDay(date)
	if err != nil {
		return fmt.Errorf("beer: allergy %q: %w", name, err)
	}
	rec.Allergies = append(rec.Allergies, ipsmodel.Allergy{
		Name:        name,
		Date:        t,
		Criticality: criticalityFromCode(crit),
	})
	return nil
}

// decodeCondition reads condition dates as absolute days. The encoder
// writes a signed minute delta for conditions within a day of the record
// timestamp; that form carries no anchor here, so the condition keeps a
// zero date and Normalize gives it the record timestamp.
func decodeCondition(st *TokenStream, rec *ipsmodel.Record) error {
	name, err := st.Next("condition name")
	if err != nil {
		return err
	}
	date, err := st.Next("condition date")
	if err != nil {
		return err
	}

	var t time.Time
	if !relativeOffset.MatchString(date) {
		if t, err = parseDay(date); err != nil {
			return fmt.Errorf("beer: condition %q: %w", name, err)
		}
	}
	rec.Conditions = append(rec.Conditions, ipsmodel.Condition{Name: name, Date: t})
	return nil
}

func decodePastObservation(st *TokenStream, rec *ipsmodel.Record) error {
	name, err := st.Next("observation name")
	if err != nil {
		return err
	}
	dates, err := st.Next("observation dates")
	if err != nil {
		return err
	}
	values, err := st.Next("observation values")
	if err != nil {
		return err
	}

	vals := splitList(values)
	for i, d := range splitList(dates) {
		t, err := parseDay(d)
		if err != nil {
			return fmt.Errorf("beer: observation %q: %w", name, err)
		}
		rec.Observations = append(rec.Observations, ipsmodel.Observation{Name: name, Date: t, Value: at(vals, i)})
	}
	return nil
}

func decodeImmunization(st *TokenStream, rec *ipsmodel.Record) error {
	name, err := st.Next("immunization name")
	if err != nil {
		return err
	}
	system, err := st.Next("immunization system")
	if err != nil {
		return err
	}
	date, err := st.Next("immunization date")
	if err != nil {
		return err
	}

	t, err := parseDay(date)
	if err != nil {
		return fmt.Errorf("beer: immunization %q: %w", name, err)
	}
	rec.Immunizations = append(rec.Immunizations, ipsmodel.Immunization{Name: name, System: system, Date: t})
	return nil
}

func decodeFuture(st *TokenStream, rec *ipsmodel.Record) error {
	tok, ok := st.Peek()
	if !ok || !anchorPattern.MatchString(tok) {
		return nil
	}
	if _, err := st.Next("anchor"); err != nil {
		return err
	}
	anchor, err := parseStamp(tok)
	if err != nil {
		return fmt.Errorf("beer: anchor: %w", err)
	}

	if n, ok, err := st.OpenSection('m'); err != nil {
		return err
	} else if ok {
		for i := 0; i < n; i++ {
			if err := decodeFutureMedication(st, rec, anchor); err != nil {
				return err
			}
		}
	}

	if n, ok, err := st.OpenSection('v'); err != nil {
		return err
	} else if ok {
		for i := 0; i < n; i++ {
			if err := decodeVitals(st, rec, anchor); err != nil {
				return err
			}
		}
	}

	if n, ok, err := st.OpenSection('o'); err != nil {
		return err
	} else if ok {
		for i := 0; i < n; i++ {
			if err := decodeFutureObservation(st, rec, anchor); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeFutureMedication(st *TokenStream, rec *ipsmodel.Record, anchor time.Time) error {
	name, err := st.Next("future medication name")
	if err != nil {
		return err
	}
	offsets, err := st.Next("future medication offsets")
	if err != nil {
		return err
	}
	// route
	if _, err := st.Next("future medication route"); err != nil {
		return err
	}

	for _, o := range splitList(offsets) {
		t, err := offsetFrom(anchor, o)
		if err != nil {
			return fmt.Errorf("beer: future medication %q: %w", name, err)
		}
		rec.Medications = append(rec.Medications, ipsmodel.Medication{Name: name, Date: t, Dosage: futureDosage})
	}
	return nil
}

// decodeVitals reads one type-letter token such as "B0+120-80,60+125-85".
func decodeVitals(st *TokenStream, rec *ipsmodel.Record, anchor time.Time) error {
	tok, err := st.Next("vitals row")
	if err != nil {
		return err
	}
	if tok == "" {
		return fmt.Errorf("beer: empty vitals row: %w", ipsmodel.ErrMalformedInput)
	}
	v, ok := vitalByLetter(tok[0])
	if !ok {
		return fmt.Errorf("beer: unknown vital type %q: %w", tok[:1], ipsmodel.ErrMalformedInput)
	}

	for _, entry := range splitList(tok[1:]) {
		off, raw, found := strings.Cut(entry, "+")
		if !found {
			return fmt.Errorf("beer: vitals entry %q lacks offset: %w", entry, ipsmodel.ErrMalformedInput)
		}
		t, err := offsetFrom(anchor, off)
		if err != nil {
			return fmt.Errorf("beer: vitals %s: %w", v.name, err)
		}
		rec.Observations = append(rec.Observations, ipsmodel.Observation{
			Name:  v.name,
			Date:  t,
			Value: vitalValue(v, raw),
		})
	}
	return nil
}

func decodeFutureObservation(st *TokenStream, rec *ipsmodel.Record, anchor time.Time) error {
	name, err := st.Next("future observation name")
	if err != nil {
		return err
	}
	offsets, err := st.Next("future observation offsets")
	if err != nil {
		return err
	}
	values, err := st.Next("future observation values")
	if err != nil {
		return err
	}

	vals := splitList(values)
	for i, o := range splitList(offsets) {
		t, err := offsetFrom(anchor, o)
		if err != nil {
			return fmt.Errorf("beer: future observation %q: %w", name, err)
		}
		rec.Observations = append(rec.Observations, ipsmodel.Observation{Name: name, Date: t, Value: at(vals, i)})
	}
	return nil
}

func parseStamp(tok string) (time.Time, error) {
	t, err := time.ParseInLocation(stampLayout, tok, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", tok, ipsmodel.ErrMalformedInput)
	}
	return t, nil
}

func parseDay(tok string) (time.Time, error) {
	t, err := time.ParseInLocation(dayLayout, strings.TrimSpace(tok), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", tok, ipsmodel.ErrMalformedInput)
	}
	return t, nil
}

func offsetFrom(anchor time.Time, tok string) (time.Time, error) {
	n, err := strconv.Atoi(strings.TrimSpace(tok))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid minute offset %q: %w", tok, ipsmodel.ErrMalformedInput)
	}
	return anchor.Add(time.Duration(n) * time.Minute), nil
}

func criticalityFromCode(code string) ipsmodel.Criticality {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "h":
		return ipsmodel.CriticalityHigh
	case "m":
		return ipsmodel.CriticalityModerate
	case "l":
		return ipsmodel.CriticalityMild
	default:
		return ipsmodel.CriticalityUnknown
	}
}

func at(items []string, i int) string {
	if i < len(items) {
		return items[i]
	}
	return ""
}
