package beer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ehr/ips/pkg/ipsmodel"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func sampleRecord() *ipsmodel.Record {
	return &ipsmodel.Record{
		PackageUUID:  "uuid1",
		Timestamp:    utc(2024, 1, 1, 8, 0),
		FamilyName:   "Smith",
		GivenName:    "John",
		DOB:          "1980-01-01",
		Gender:       ipsmodel.GenderMale,
		Nation:       "UK",
		Organization: "Org",
		Practitioner: "Dr X",
		Medications: []ipsmodel.Medication{
			{Name: "Aspirin", Date: utc(2023, 12, 1, 0, 0), Dosage: "100mg"},
			{Name: "Aspirin", Date: utc(2023, 12, 15, 0, 0), Dosage: "100mg"},
			{Name: "Paracetamol", Date: utc(2024, 1, 1, 9, 0), Dosage: "500mg"},
		},
		Allergies: []ipsmodel.Allergy{
			{Name: "Peanuts", Date: utc(2020, 5, 1, 0, 0), Criticality: ipsmodel.CriticalityHigh},
		},
		Conditions: []ipsmodel.Condition{
			{Name: "Asthma", Date: utc(2015, 3, 10, 0, 0)},
		},
		Observations: []ipsmodel.Observation{
			{Name: "Blood Pressure", Date: utc(2023, 12, 1, 0, 0), Value: "118-76 mmHg"},
			{Name: "Blood Pressure", Date: utc(2024, 1, 1, 8, 30), Value: "120-80 mmHg"},
			{Name: "Pulse", Date: utc(2024, 1, 1, 8, 30), Value: "72 bpm"},
			{Name: "Pulse", Date: utc(2024, 1, 1, 9, 30), Value: "80 bpm"},
			{Name: "Pain score", Date: utc(2024, 1, 1, 10, 0), Value: "3"},
		},
		Immunizations: []ipsmodel.Immunization{
			{Name: "MMR", System: "SNOMED", Date: utc(2019, 6, 1, 0, 0)},
		},
	}
}

// =========== Decode ===========

func TestDecode_HeaderAndMedication(t *testing.T) {
	packet := "H9;1;uuid1;202401010800;Smith;John;19800101;m;UK;Org;Dr X;M3-1;Aspirin;20240101;100mg;"

	rec, err := Decode([]byte(packet))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.PackageUUID != "uuid1" {
		t.Errorf("expected packageUuid uuid1, got %s", rec.PackageUUID)
	}
	if !rec.Timestamp.Equal(utc(2024, 1, 1, 8, 0)) {
		t.Errorf("unexpected timestamp %v", rec.Timestamp)
	}
	if rec.FamilyName != "Smith" || rec.GivenName != "John" {
		t.Errorf("unexpected name %s %s", rec.GivenName, rec.FamilyName)
	}
	if rec.DOB != "1980-01-01" {
		t.Errorf("expected DOB 1980-01-01, got %s", rec.DOB)
	}
	if rec.Gender != ipsmodel.GenderMale {
		t.Errorf("expected Male, got %s", rec.Gender)
	}
	if rec.Nation != "UK" || rec.Organization != "Org" || rec.Practitioner != "Dr X" {
		t.Errorf("unexpected nation/org/practitioner: %q %q %q", rec.Nation, rec.Organization, rec.Practitioner)
	}

	if len(rec.Medications) != 1 {
		t.Fatalf("expected 1 medication, got %d", len(rec.Medications))
	}
	med := rec.Medications[0]
	if med.Name != "Aspirin" {
		t.Errorf("expected Aspirin, got %s", med.Name)
	}
	if !med.Date.Equal(utc(2024, 1, 1, 0, 0)) {
		t.Errorf("expected 2024-01-01, got %v", med.Date)
	}
	if med.Dosage != "100mg" {
		t.Errorf("expected dosage 100mg, got %s", med.Dosage)
	}
}

func TestDecode_MedicationFansOutPerDate(t *testing.T) {
	packet := "H9|1|u|202401010800|A|B|19800101|f|UK||Dr|M3-1|Aspirin|20231201,20231215, 20231220|100mg|"
	rec, err := Decode([]byte(packet))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Medications) != 3 {
		t.Fatalf("expected 3 medications, got %d", len(rec.Medications))
	}
	for _, m := range rec.Medications {
		if m.Name != "Aspirin" || m.Dosage != "100mg" {
			t.Errorf("unexpected medication %+v", m)
		}
	}
	if !rec.Medications[2].Date.Equal(utc(2023, 12, 20, 0, 0)) {
		t.Errorf("expected trimmed third date, got %v", rec.Medications[2].Date)
	}
	if rec.Gender != ipsmodel.GenderFemale {
		t.Errorf("expected Female, got %s", rec.Gender)
	}
}

func TestDecode_AllSections(t *testing.T) {
	packet := strings.Join([]string{
		"H9", "1", "uuid1", "202401010800", "Smith", "John", "19800101", "x", "UK", "Org", "Dr X",
		"A3-2", "Peanuts", "h", "20200501", "Dust", "q", "20210101",
		"C2-1", "Asthma", "20150310",
		"O3-1", "Weight", "20231201,20231210", "80 kg,81 kg",
		"I3-1", "MMR", "SNOMED", "20190601",
		"202401010830",
		"m3-1", "Paracetamol", "30,270", "O2",
		"v2", "B0+120-80", "P0+72,60+80",
		"o3-1", "Pain score", "90", "3",
	}, "\n") + "\n"

	rec, err := Decode([]byte(packet))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Gender != ipsmodel.GenderUnknown {
		t.Errorf("expected Unknown gender for code x, got %s", rec.Gender)
	}
	if len(rec.Allergies) != 2 {
		t.Fatalf("expected 2 allergies, got %d", len(rec.Allergies))
	}
	if rec.Allergies[0].Criticality != ipsmodel.CriticalityHigh || rec.Allergies[1].Criticality != ipsmodel.CriticalityUnknown {
		t.Errorf("unexpected criticalities %s %s", rec.Allergies[0].Criticality, rec.Allergies[1].Criticality)
	}
	if len(rec.Conditions) != 1 || rec.Conditions[0].Name != "Asthma" {
		t.Errorf("unexpected conditions %+v", rec.Conditions)
	}
	if len(rec.Immunizations) != 1 || rec.Immunizations[0].System != "SNOMED" {
		t.Errorf("unexpected immunizations %+v", rec.Immunizations)
	}

	if len(rec.Medications) != 2 {
		t.Fatalf("expected 2 future medications, got %d", len(rec.Medications))
	}
	if !rec.Medications[0].Date.Equal(utc(2024, 1, 1, 9, 0)) || !rec.Medications[1].Date.Equal(utc(2024, 1, 1, 13, 0)) {
		t.Errorf("unexpected future medication dates %v %v", rec.Medications[0].Date, rec.Medications[1].Date)
	}
	if rec.Medications[0].Dosage != "Stat" {
		t.Errorf("expected Stat dosage, got %s", rec.Medications[0].Dosage)
	}

	want := []ipsmodel.Observation{
		{Name: "Weight", Date: utc(2023, 12, 1, 0, 0), Value: "80 kg"},
		{Name: "Weight", Date: utc(2023, 12, 10, 0, 0), Value: "81 kg"},
		{Name: "Blood Pressure", Date: utc(2024, 1, 1, 8, 30), Value: "120-80 mmHg"},
		{Name: "Pulse", Date: utc(2024, 1, 1, 8, 30), Value: "72 bpm"},
		{Name: "Pulse", Date: utc(2024, 1, 1, 9, 30), Value: "80 bpm"},
		{Name: "Pain score", Date: utc(2024, 1, 1, 10, 0), Value: "3"},
	}
	if diff := cmp.Diff(want, rec.Observations); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_CRLFNewlines(t *testing.T) {
	packet := "H9\r\n1\r\nu\r\n202401010800\r\nA\r\nB\r\n19800101\r\nm\r\nUK\r\nOrg\r\nDr\r\n"
	rec, err := Decode([]byte(packet))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Practitioner != "Dr" {
		t.Errorf("expected practitioner Dr, got %q", rec.Practitioner)
	}
}

func TestDecode_Defaults(t *testing.T) {
	packet := "H9;1;;202401010800;;;;;;;;"
	rec, err := Decode([]byte(packet))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.PackageUUID == "" {
		t.Error("expected generated packageUuid")
	}
	if rec.FamilyName != "Unknown" || rec.Nation != "Unknown" || rec.Practitioner != "Unknown" {
		t.Errorf("expected Unknown defaults, got %q %q %q", rec.FamilyName, rec.Nation, rec.Practitioner)
	}
	if rec.DOB != "1900-01-01" {
		t.Errorf("expected default DOB, got %s", rec.DOB)
	}
	if rec.Organization != "" {
		t.Errorf("expected empty organization, got %q", rec.Organization)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		packet  string
		wantMsg string
	}{
		{"not beer", "hello;world", "not a BEER packet"},
		{"empty", "", "not a BEER packet"},
		{"wrong version", "H9;2;u;202401010800;A;B;19800101;m;UK;Org;Dr;", "unsupported BEER version"},
		{"truncated header", "H9;1;u;202401010800;A;", "unexpected end of packet"},
		{"bad timestamp", "H9;1;u;2024-01-01;A;B;19800101;m;UK;Org;Dr;", "invalid timestamp"},
		{"bad marker", "H9;1;u;202401010800;A;B;19800101;m;UK;Org;Dr;Mx-1;Aspirin;20240101;100mg;", "section marker"},
		{"bad date", "H9;1;u;202401010800;A;B;19800101;m;UK;Org;Dr;M3-1;Aspirin;2024-01-01;100mg;", "invalid date"},
		{"short section", "H9;1;u;202401010800;A;B;19800101;m;UK;Org;Dr;M3-2;Aspirin;20240101;100mg;", "unexpected end of packet"},
		{"trailing garbage", "H9;1;u;202401010800;A;B;19800101;m;UK;Org;Dr;ZZZ;", "unexpected token"},
		{"bad condition date", "H9;1;u;202401010800;A;B;19800101;m;UK;Org;Dr;C2-1;Flu;yesterday;", "invalid date"},
		{"unknown vital", "H9;1;u;202401010800;A;B;19800101;m;UK;Org;Dr;202401010900;v1;X0+1;", "unknown vital type"},
		{"vital without offset", "H9;1;u;202401010800;A;B;19800101;m;UK;Org;Dr;202401010900;v1;P72;", "lacks offset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Decode([]byte(tt.packet))
			if err == nil {
				t.Fatalf("expected error, got record %+v", rec)
			}
			if rec != nil {
				t.Error("expected no partial record")
			}
			if !errors.Is(err, ipsmodel.ErrMalformedInput) {
				t.Errorf("expected ErrMalformedInput, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error to contain %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

// =========== Delimiter detection ===========

func TestDecode_DetectionOrderDoesNotMatter(t *testing.T) {
	payload, err := Encode(sampleRecord(), Semicolon)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	want, err := decode(string(payload), detectionOrder)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	for i := range detectionOrder {
		order := append(append([]Delimiter{}, detectionOrder[i:]...), detectionOrder[:i]...)
		got, err := decode(string(payload), order)
		if err != nil {
			t.Fatalf("order %q: %v", order, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("order %q produced a different record (-want +got):\n%s", order, diff)
		}
	}
}

func TestDecode_EveryDelimiter(t *testing.T) {
	for _, d := range detectionOrder {
		payload, err := Encode(sampleRecord(), d)
		if err != nil {
			t.Fatalf("encode with %q: %v", d, err)
		}
		rec, err := Decode(payload)
		if err != nil {
			t.Fatalf("decode with %q: %v", d, err)
		}
		if rec.Practitioner != "Dr X" {
			t.Errorf("delimiter %q: expected practitioner Dr X, got %q", d, rec.Practitioner)
		}
	}
}

// =========== Encode ===========

func TestEncode_SingleMedicationMatchesWireFormat(t *testing.T) {
	rec := sampleRecord()
	rec.Medications = rec.Medications[:1]
	rec.Medications[0].Date = utc(2024, 1, 1, 0, 0)
	rec.Allergies, rec.Conditions, rec.Observations, rec.Immunizations = nil, nil, nil, nil

	got, err := Encode(rec, Semicolon)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "H9;1;uuid1;202401010800;Smith;John;19800101;m;UK;Org;Dr X;M3-1;Aspirin;20240101;100mg;"
	if string(got) != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestEncode_FullRecord(t *testing.T) {
	got, err := Encode(sampleRecord(), Semicolon)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := strings.Join([]string{
		"H9", "1", "uuid1", "202401010800", "Smith", "John", "19800101", "m", "UK", "Org", "Dr X",
		"M3-1", "Aspirin", "20231201,20231215", "100mg",
		"A3-1", "Peanuts", "h", "20200501",
		"C2-1", "Asthma", "20150310",
		"O3-1", "Blood Pressure", "20231201", "118-76 mmHg",
		"I3-1", "MMR", "SNOMED", "20190601",
		"202401010830",
		"m3-1", "Paracetamol", "30", "O1",
		"v2", "B0+120-80", "P0+72,60+80",
		"o3-1", "Pain score", "90", "3",
	}, ";") + ";"
	if string(got) != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
}

func TestEncode_DefaultDelimiterIsNewline(t *testing.T) {
	got, err := Encode(sampleRecord(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(string(got), "H9\n1\n") {
		t.Errorf("expected newline-delimited packet, got %q", got[:10])
	}
}

func TestEncode_SanitizesDelimiterInText(t *testing.T) {
	rec := sampleRecord()
	rec.Practitioner = "Dr; X"
	rec.Observations = []ipsmodel.Observation{{Name: "Count", Date: utc(2023, 1, 1, 0, 0), Value: "1,200 cells"}}

	payload, err := Encode(rec, Semicolon)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Practitioner != "Dr  X" {
		t.Errorf("expected delimiter replaced with space, got %q", got.Practitioner)
	}
	if len(got.Observations) != 1 || got.Observations[0].Value != "1 200 cells" {
		t.Errorf("unexpected observations %+v", got.Observations)
	}
}

func TestEncode_ConditionWithinADayIsRelative(t *testing.T) {
	rec := sampleRecord()
	rec.Conditions = []ipsmodel.Condition{{Name: "Flu", Date: rec.Timestamp.Add(-90 * time.Minute)}}

	payload, err := Encode(rec, Semicolon)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(payload), "C2-1;Flu;-90;") {
		t.Errorf("expected relative condition delta in %q", payload)
	}

	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Name != "Flu" {
		t.Fatalf("unexpected conditions %+v", got.Conditions)
	}
	if !got.Conditions[0].Date.Equal(rec.Timestamp) {
		t.Errorf("expected relative condition to take the record timestamp, got %v", got.Conditions[0].Date)
	}
}

func TestDecode_RelativeConditionDate(t *testing.T) {
	for _, offset := range []string{"0", "-60", "1439"} {
		t.Run(offset, func(t *testing.T) {
			packet := "H9;1;u;202401010800;A;B;19800101;m;UK;Org;Dr;C2-1;Flu;" + offset + ";"
			rec, err := Decode([]byte(packet))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(rec.Conditions) != 1 {
				t.Fatalf("expected 1 condition, got %d", len(rec.Conditions))
			}
			if want := utc(2024, 1, 1, 8, 0); !rec.Conditions[0].Date.Equal(want) {
				t.Errorf("expected date %v, got %v", want, rec.Conditions[0].Date)
			}
		})
	}
}

func TestRoundTrip_UndatedCondition(t *testing.T) {
	rec := sampleRecord()
	rec.Conditions = append(rec.Conditions, ipsmodel.Condition{Name: "Flu"})
	rec.Normalize()

	payload, err := Encode(rec, Newline)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Conditions) != len(rec.Conditions) {
		t.Fatalf("expected %d conditions, got %d", len(rec.Conditions), len(got.Conditions))
	}
	last := got.Conditions[len(got.Conditions)-1]
	if last.Name != "Flu" || !last.Date.Equal(rec.Timestamp) {
		t.Errorf("unexpected condition %+v", last)
	}
}

func TestRoundTrip_EntityCounts(t *testing.T) {
	rec := sampleRecord()
	payload, err := Encode(rec, Newline)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	counts := []struct {
		name      string
		got, want int
	}{
		{"medications", len(got.Medications), len(rec.Medications)},
		{"allergies", len(got.Allergies), len(rec.Allergies)},
		{"conditions", len(got.Conditions), len(rec.Conditions)},
		{"observations", len(got.Observations), len(rec.Observations)},
		{"immunizations", len(got.Immunizations), len(rec.Immunizations)},
	}
	for _, c := range counts {
		if c.got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, c.got, c.want)
		}
	}

	if got.PackageUUID != rec.PackageUUID || !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("header mismatch: %s %v", got.PackageUUID, got.Timestamp)
	}
}

func TestRawVitalValue(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"Blood Pressure", "120-80 mmHg", "120-80"},
		{"Pulse", "72 bpm", "72"},
		{"Temperature", "37.5 cel", "37.5"},
		{"Oxygen Sats", "98 %", "98"},
		{"AVPU", "A", "A"},
	}
	for _, tt := range tests {
		v, ok := vitalByName(tt.name)
		if !ok {
			t.Fatalf("vital %s not found", tt.name)
		}
		if got := rawVitalValue(v, tt.value); got != tt.want {
			t.Errorf("rawVitalValue(%s, %q) = %q, want %q", tt.name, tt.value, got, tt.want)
		}
	}
}

// =========== Token stream ===========

func TestTokenStream(t *testing.T) {
	st := NewTokenStream([]string{"M3-2", "x", "v4", "A1-0"})

	if _, ok, err := st.OpenSection('A'); ok || err != nil {
		t.Fatalf("expected no A section yet, ok=%v err=%v", ok, err)
	}
	n, ok, err := st.OpenSection('M')
	if err != nil || !ok || n != 2 {
		t.Fatalf("expected M section of 2, got n=%d ok=%v err=%v", n, ok, err)
	}
	if tok, _ := st.Peek(); tok != "x" {
		t.Errorf("expected peek x, got %s", tok)
	}
	if tok, err := st.Next("x"); err != nil || tok != "x" {
		t.Errorf("expected next x, got %s %v", tok, err)
	}
	if n, ok, _ := st.OpenSection('v'); !ok || n != 4 {
		t.Errorf("expected vitals count 4, got %d", n)
	}
	if n, ok, _ := st.OpenSection('A'); !ok || n != 0 {
		t.Errorf("expected empty A section, got %d %v", n, ok)
	}
	if err := st.Finish(); err != nil {
		t.Errorf("unexpected finish error: %v", err)
	}
	if _, err := st.Next("more"); !errors.Is(err, ipsmodel.ErrMalformedInput) {
		t.Errorf("expected ErrMalformedInput at end of stream, got %v", err)
	}
}

func TestParseDelimiter(t *testing.T) {
	tests := []struct {
		in      string
		want    Delimiter
		wantErr bool
	}{
		{"", Newline, false},
		{"semi", Semicolon, false},
		{";", Semicolon, false},
		{"colon", Colon, false},
		{"pipe", Pipe, false},
		{"AT", At, false},
		{"tab", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDelimiter(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDelimiter(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDelimiter(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
