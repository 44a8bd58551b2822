package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func invoke(t *testing.T, r *Registry, name, args string) map[string]any {
	t.Helper()
	out, err := r.Invoke(context.Background(), name, args)
	if err != nil {
		t.Fatalf("Invoke(%s): %v", name, err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	return m
}

func data(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	d, ok := m["data"].(map[string]any)
	if !ok {
		t.Fatalf("result has no data object: %v", m)
	}
	return d
}

func newTestRegistry() *Registry {
	return NewBuiltinRegistry(NewMockDirectory())
}

func TestDefinitionsAreSortedAndComplete(t *testing.T) {
	t.Parallel()
	defs := newTestRegistry().Definitions()

	want := []string{
		"authenticate_user",
		"escalate_emergency",
		"evaluate_prior_authorization",
		"lookup_medication_info",
		"refill_prescription",
		"schedule_appointment",
	}
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %s, want %s", i, d.Name, want[i])
		}
		if d.Parameters["type"] != "object" {
			t.Errorf("%s schema is not an object", d.Name)
		}
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	t.Parallel()
	_, err := newTestRegistry().Invoke(context.Background(), "transfer_funds", "{}")
	var unknown *ErrUnknownTool
	if !errors.As(err, &unknown) || unknown.Name != "transfer_funds" {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestInvokeEmptyArgumentsTreatedAsObject(t *testing.T) {
	t.Parallel()
	m := invoke(t, newTestRegistry(), "authenticate_user", "")
	if m["ok"] != false {
		t.Errorf("result = %v, want graceful missing-information failure", m)
	}
}

func TestInvokeMalformedArguments(t *testing.T) {
	t.Parallel()
	_, err := newTestRegistry().Invoke(context.Background(), "authenticate_user", "{not json")
	var badArgs *ErrBadArguments
	if !errors.As(err, &badArgs) || badArgs.Name != "authenticate_user" {
		t.Errorf("err = %v, want ErrBadArguments", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	m := invoke(t, r, "authenticate_user",
		`{"first_name":"Alice","last_name":"Brown","phone_number":"555-297-1078"}`)
	if m["ok"] != true {
		t.Fatalf("result = %v", m)
	}
	if d := data(t, m); d["patient_id"] != "P54321" || d["authenticated"] != true {
		t.Errorf("data = %v", d)
	}

	// A lightly garbled transcription of the same name still resolves.
	m = invoke(t, r, "authenticate_user",
		`{"first_name":"Allice","last_name":"Browne","phone_number":"5552971078"}`)
	if m["ok"] != true {
		t.Errorf("fuzzy match failed: %v", m)
	}

	m = invoke(t, r, "authenticate_user",
		`{"first_name":"Alice","last_name":"Brown","phone_number":"5550000000"}`)
	if m["ok"] != false {
		t.Errorf("wrong phone accepted: %v", m)
	}

	m = invoke(t, r, "authenticate_user",
		`{"first_name":"Zebulon","last_name":"Quartermaine","phone_number":"5552971078"}`)
	if m["ok"] != false {
		t.Errorf("unknown name accepted: %v", m)
	}
}

func TestScheduleAppointment(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	m := invoke(t, r, "schedule_appointment",
		`{"patient_name":"Alice Brown","dob":"1987-04-12","appointment_type":"follow-up","preferred_date":"2025-06-01","preferred_time":"10:00 AM"}`)
	if m["ok"] != true {
		t.Fatalf("result = %v", m)
	}
	d := data(t, m)
	if d["date"] != "2025-06-01" || d["time"] != "10:00 AM" {
		t.Errorf("data = %v", d)
	}

	// Wrong date of birth fails verification.
	m = invoke(t, r, "schedule_appointment",
		`{"patient_name":"Alice Brown","dob":"1990-01-01","appointment_type":"follow-up"}`)
	if m["ok"] != false {
		t.Errorf("dob mismatch accepted: %v", m)
	}

	// Omitted preferences get defaults.
	m = invoke(t, r, "schedule_appointment",
		`{"patient_name":"Bob Johnson","dob":"1992-11-25","appointment_type":"consultation"}`)
	if m["ok"] != true {
		t.Fatalf("result = %v", m)
	}
	d = data(t, m)
	if d["date"] == "" || d["time"] != "14:00" {
		t.Errorf("defaults not applied: %v", d)
	}
}

func TestRefillPrescription(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	m := invoke(t, r, "refill_prescription",
		`{"patient_name":"Alice Brown","medication_name":"Metformin"}`)
	if m["ok"] != true {
		t.Fatalf("result = %v", m)
	}
	if d := data(t, m); d["pharmacy"] != "City Pharmacy" {
		t.Errorf("existing pharmacy not used: %v", d)
	}

	m = invoke(t, r, "refill_prescription",
		`{"patient_name":"Alice Brown","medication_name":"Metformin","pharmacy":"Harbor Pharmacy"}`)
	if d := data(t, m); d["pharmacy"] != "Harbor Pharmacy" {
		t.Errorf("requested pharmacy ignored: %v", d)
	}

	m = invoke(t, r, "refill_prescription",
		`{"patient_name":"Alice Brown","medication_name":"Lipitor"}`)
	if m["ok"] != false {
		t.Errorf("refill without a prescription accepted: %v", m)
	}
}

func TestLookupMedicationInfo(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	m := invoke(t, r, "lookup_medication_info", `{"medication_name":"lipitor"}`)
	if m["ok"] != true {
		t.Errorf("case-insensitive lookup failed: %v", m)
	}

	m = invoke(t, r, "lookup_medication_info", `{"medication_name":"Placebonol"}`)
	if m["ok"] != false {
		t.Errorf("unknown medication found: %v", m)
	}
}

func TestEvaluatePriorAuthorization(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	m := invoke(t, r, "evaluate_prior_authorization",
		`{"patient_info":{"patient_name":"Alice Brown"},"physician_info":{},"clinical_info":{},"treatment_plan":{"requested_medication":"Metformin"},"policy_text":"..."}`)
	if m["ok"] != true {
		t.Fatalf("result = %v", m)
	}

	m = invoke(t, r, "evaluate_prior_authorization", `{"patient_info":{},"treatment_plan":{}}`)
	if m["ok"] != false {
		t.Errorf("missing fields accepted: %v", m)
	}
}

func TestEscalateEmergency(t *testing.T) {
	t.Parallel()
	r := newTestRegistry()

	m := invoke(t, r, "escalate_emergency", `{"reason":"chest pain"}`)
	if m["ok"] != true {
		t.Fatalf("result = %v", m)
	}
	if d := data(t, m); d["reason"] != "chest pain" {
		t.Errorf("data = %v", d)
	}

	if _, err := r.Invoke(context.Background(), "escalate_emergency", `{}`); err == nil {
		t.Error("escalation without a reason accepted")
	}
}

func TestMatchPatientRejectsDistantNames(t *testing.T) {
	t.Parallel()
	dir := NewMockDirectory()

	if _, ok := dir.MatchPatient("Quentin Xylophone"); ok {
		t.Error("distant name matched")
	}
	p, ok := dir.MatchPatient("alice brown")
	if !ok || p.PatientID != "P54321" {
		t.Errorf("case-insensitive exact match failed: %+v ok=%v", p, ok)
	}
}
