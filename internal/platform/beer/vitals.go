package beer

import "strings"

// vital describes one row of the compact vitals block.
type vital struct {
	letter byte
	name   string
	unit   string
}

var vitals = []vital{
	{'B', "Blood Pressure", "mmHg"},
	{'P', "Pulse", "bpm"},
	{'R', "Resp Rate", "bpm"},
	{'T', "Temperature", "cel"},
	{'O', "Oxygen Sats", "%"},
	{'A', "AVPU", ""},
}

func vitalByLetter(letter byte) (vital, bool) {
	for _, v := range vitals {
		if v.letter == letter {
			return v, true
		}
	}
	return vital{}, false
}

func vitalByName(name string) (vital, bool) {
	for _, v := range vitals {
		if strings.EqualFold(v.name, strings.TrimSpace(name)) {
			return v, true
		}
	}
	return vital{}, false
}

// rawVitalValue strips units from an observation value. Blood pressure keeps
// its lo-hi shape, AVPU keeps its letters, everything else keeps digits and
// the decimal point.
func rawVitalValue(v vital, value string) string {
	switch v.letter {
	case 'B':
		parts := strings.Split(value, "-")
		for i, p := range parts {
			parts[i] = keep(p, isDigit)
		}
		return strings.Join(parts, "-")
	case 'A':
		return keep(value, func(r rune) bool { return r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' })
	default:
		return keep(value, func(r rune) bool { return isDigit(r) || r == '.' })
	}
}

// vitalValue rebuilds the canonical observation value from a raw vital.
func vitalValue(v vital, raw string) string {
	return strings.TrimSpace(raw + " " + v.unit)
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func keep(s string, ok func(rune) bool) string {
	var b strings.Builder
	for _, r := range s {
		if ok(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
