package tools

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Patient is one record in the patient directory.
type Patient struct {
	Name      string
	DOB       string
	PatientID string
	Phone     string
}

// Prescription is one active prescription on file.
type Prescription struct {
	Medication string
	LastRefill string
	Pharmacy   string
}

// Directory is the read-only domain data the tools consult. The built-in
// implementation is an in-memory mock; a real deployment swaps in an EHR
// gateway behind the same interface.
type Directory interface {
	// FindPatient looks a patient up by exact full name.
	FindPatient(name string) (Patient, bool)

	// MatchPatient looks a patient up tolerating transcription noise in the
	// spoken name ("Allice Browne" still resolves to Alice Brown).
	MatchPatient(name string) (Patient, bool)

	// Prescriptions lists the patient's prescriptions on file.
	Prescriptions(patientName string) []Prescription

	// MedicationInfo returns usage and side-effect text for a medication.
	MedicationInfo(name string) (string, bool)
}

// jaroWinklerThreshold accepts close transcriptions and rejects different
// names. "Allice Browne" vs "Alice Brown" scores ~0.97; "Bob Johnson" vs
// "Alice Brown" scores well below.
const jaroWinklerThreshold = 0.90

// MockDirectory is the in-memory directory used until a real backend exists.
type MockDirectory struct {
	patients      map[string]Patient
	prescriptions map[string][]Prescription
	medications   map[string]string
}

// NewMockDirectory returns the directory pre-loaded with the demo dataset.
func NewMockDirectory() *MockDirectory {
	d := &MockDirectory{
		patients:      make(map[string]Patient),
		prescriptions: make(map[string][]Prescription),
		medications:   make(map[string]string),
	}

	for _, p := range []Patient{
		{"Alice Brown", "1987-04-12", "P54321", "5552971078"},
		{"Bob Johnson", "1992-11-25", "P98765", "5558484555"},
		{"Charlie Davis", "1980-01-15", "P11223", "5559890662"},
		{"Diana Evans", "1995-07-08", "P33445", "5554608513"},
		{"Ethan Foster", "1983-03-22", "P55667", "5558771166"},
		{"Fiona Green", "1998-09-10", "P77889", "5557489234"},
		{"George Harris", "1975-12-05", "P99001", "5558649200"},
		{"Hannah Irving", "1989-06-30", "P22334", "5554797595"},
		{"Ian Jackson", "1993-02-18", "P44556", "5551374879"},
		{"Julia King", "1986-08-14", "P66778", "5559643430"},
	} {
		d.patients[p.Name] = p
	}

	d.prescriptions["Alice Brown"] = []Prescription{
		{Medication: "Metformin", LastRefill: "2024-03-01", Pharmacy: "City Pharmacy"},
	}
	d.prescriptions["Bob Johnson"] = []Prescription{
		{Medication: "Lipitor", LastRefill: "2024-02-20", Pharmacy: "Town Pharmacy"},
	}
	d.prescriptions["Diana Evans"] = []Prescription{
		{Medication: "Synthroid", LastRefill: "2024-01-18", Pharmacy: "City Pharmacy"},
	}

	d.medications["Lipitor"] = "Lipitor is used to lower cholesterol. Common side effects include muscle pain and digestive issues."
	d.medications["Synthroid"] = "Synthroid is used to treat hypothyroidism. Side effects may include weight loss, heat sensitivity, and insomnia."
	d.medications["Metformin"] = "Metformin is used to manage type 2 diabetes. Common side effects include nausea and digestive upset."

	return d
}

// FindPatient implements Directory.
func (d *MockDirectory) FindPatient(name string) (Patient, bool) {
	p, ok := d.patients[canonicalName(name)]
	if !ok {
		p, ok = d.patients[name]
	}
	return p, ok
}

// MatchPatient implements Directory with a Jaro-Winkler best-match over the
// directory.
func (d *MockDirectory) MatchPatient(name string) (Patient, bool) {
	if p, ok := d.FindPatient(name); ok {
		return p, true
	}

	target := strings.ToLower(canonicalName(name))
	var (
		best      Patient
		bestScore float64
	)
	for _, p := range d.patients {
		score := matchr.JaroWinkler(target, strings.ToLower(p.Name), true)
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	if bestScore < jaroWinklerThreshold {
		return Patient{}, false
	}
	return best, true
}

// Prescriptions implements Directory.
func (d *MockDirectory) Prescriptions(patientName string) []Prescription {
	return d.prescriptions[canonicalName(patientName)]
}

// MedicationInfo implements Directory. Lookup is case-insensitive.
func (d *MockDirectory) MedicationInfo(name string) (string, bool) {
	if info, ok := d.medications[name]; ok {
		return info, true
	}
	for med, info := range d.medications {
		if strings.EqualFold(med, name) {
			return info, true
		}
	}
	return "", false
}

// canonicalName title-cases each word the way directory keys are stored.
func canonicalName(name string) string {
	fields := strings.Fields(strings.TrimSpace(name))
	for i, f := range fields {
		fields[i] = strings.ToUpper(f[:1]) + strings.ToLower(f[1:])
	}
	return strings.Join(fields, " ")
}

var _ Directory = (*MockDirectory)(nil)
