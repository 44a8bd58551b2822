package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Result is the common shape every built-in tool returns: a success flag, a
// speakable message, and structured data for the model to cite.
type Result struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewBuiltinRegistry returns a registry with the healthcare demo tools bound
// to dir.
func NewBuiltinRegistry(dir Directory) *Registry {
	r := NewRegistry()

	r.Register(llm.ToolDefinition{
		Name:        "authenticate_user",
		Description: "Authenticate a user by verifying first name, last name, and phone number.",
		Parameters: objectSchema(map[string]any{
			"first_name":   stringProp("User's first name."),
			"last_name":    stringProp("User's last name."),
			"phone_number": stringProp("User's phone number (digits only, no spaces)."),
		}, "first_name", "last_name", "phone_number"),
	}, authenticateUser(dir))

	r.Register(llm.ToolDefinition{
		Name:        "schedule_appointment",
		Description: "Schedule or modify a healthcare appointment based on patient preferences and availability.",
		Parameters: objectSchema(map[string]any{
			"patient_name":     stringProp("Full name of the patient."),
			"dob":              stringProp("Date of birth (YYYY-MM-DD)."),
			"appointment_type": stringProp("Type of appointment (consultation, follow-up, etc.)."),
			"preferred_date":   stringProp("Preferred appointment date (YYYY-MM-DD)."),
			"preferred_time":   stringProp("Preferred appointment time (e.g., '10:00 AM')."),
		}, "patient_name", "dob", "appointment_type"),
	}, scheduleAppointment(dir))

	r.Register(llm.ToolDefinition{
		Name:        "refill_prescription",
		Description: "Refill an existing prescription for a patient's medication.",
		Parameters: objectSchema(map[string]any{
			"patient_name":    stringProp("Full name of the patient."),
			"medication_name": stringProp("Name of the medication to refill."),
			"pharmacy":        stringProp("Preferred pharmacy name or location (optional)."),
		}, "patient_name", "medication_name"),
	}, refillPrescription(dir))

	r.Register(llm.ToolDefinition{
		Name:        "lookup_medication_info",
		Description: "Retrieve basic usage, warnings, and side effects information about a medication.",
		Parameters: objectSchema(map[string]any{
			"medication_name": stringProp("Medication name to look up."),
		}, "medication_name"),
	}, lookupMedicationInfo(dir))

	r.Register(llm.ToolDefinition{
		Name:        "evaluate_prior_authorization",
		Description: "Analyze a prior authorization request based on patient information, clinical history, and policy text.",
		Parameters: objectSchema(map[string]any{
			"patient_info":   objectProp("Patient demographics and identifiers."),
			"physician_info": objectProp("Physician specialty and contact details."),
			"clinical_info":  objectProp("Clinical diagnosis, lab results, prior treatments."),
			"treatment_plan": objectProp("Requested treatment or medication plan."),
			"policy_text":    stringProp("Insurance or payer policy text to evaluate against."),
		}, "patient_info", "physician_info", "clinical_info", "treatment_plan", "policy_text"),
	}, evaluatePriorAuthorization())

	r.Register(llm.ToolDefinition{
		Name:        "escalate_emergency",
		Description: "Immediately escalate an urgent healthcare concern to a human agent.",
		Parameters: objectSchema(map[string]any{
			"reason": stringProp("Reason for the escalation (e.g., chest pain, severe symptoms)."),
		}, "reason"),
	}, escalateEmergency())

	return r
}

// ─── Handlers ───

func authenticateUser(dir Directory) Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		first := strings.TrimSpace(str(args, "first_name"))
		last := strings.TrimSpace(str(args, "last_name"))
		phone := digits(str(args, "phone_number"))

		if first == "" || last == "" || phone == "" {
			return Result{OK: false, Message: "Authentication failed: missing information."}, nil
		}

		p, ok := dir.MatchPatient(first + " " + last)
		if !ok {
			return Result{OK: false, Message: fmt.Sprintf("Name %q not found.", first+" "+last)}, nil
		}
		if digits(p.Phone) != phone {
			return Result{OK: false, Message: "Authentication failed: name or phone mismatch."}, nil
		}
		return Result{
			OK:      true,
			Message: fmt.Sprintf("Authenticated %s.", p.Name),
			Data:    map[string]any{"authenticated": true, "patient_id": p.PatientID, "patient_name": p.Name},
		}, nil
	}
}

func scheduleAppointment(dir Directory) Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		name := str(args, "patient_name")
		dob := str(args, "dob")
		apptType := str(args, "appointment_type")

		p, ok := dir.FindPatient(name)
		if !ok || p.DOB != dob {
			return Result{
				OK:      false,
				Message: fmt.Sprintf("Unable to find patient %s with the provided date of birth. Please verify your information.", name),
			}, nil
		}

		date := str(args, "preferred_date")
		if date == "" {
			date = time.Now().AddDate(0, 0, 3).Format("2006-01-02")
		}
		at := str(args, "preferred_time")
		if at == "" {
			at = "14:00"
		}

		return Result{
			OK:      true,
			Message: fmt.Sprintf("Appointment for %s (%s) scheduled on %s at %s.", p.Name, apptType, date, at),
			Data: map[string]any{
				"patient_id":       p.PatientID,
				"appointment_type": apptType,
				"date":             date,
				"time":             at,
			},
		}, nil
	}
}

func refillPrescription(dir Directory) Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		name := str(args, "patient_name")
		med := str(args, "medication_name")

		var found *Prescription
		for _, rx := range dir.Prescriptions(name) {
			if strings.EqualFold(rx.Medication, med) {
				found = &rx
				break
			}
		}
		if found == nil {
			return Result{
				OK:      false,
				Message: fmt.Sprintf("No prescription record found for %s under %s. Please verify the medication name.", med, name),
			}, nil
		}

		pharmacy := str(args, "pharmacy")
		if pharmacy == "" {
			pharmacy = found.Pharmacy
		}
		return Result{
			OK:      true,
			Message: fmt.Sprintf("Prescription refill for %s submitted to %s for %s.", found.Medication, pharmacy, name),
			Data: map[string]any{
				"medication":  found.Medication,
				"pharmacy":    pharmacy,
				"last_refill": found.LastRefill,
			},
		}, nil
	}
}

func lookupMedicationInfo(dir Directory) Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		med := str(args, "medication_name")
		info, ok := dir.MedicationInfo(med)
		if !ok {
			return Result{OK: false, Message: fmt.Sprintf("Medication %s not found in our system.", med)}, nil
		}
		return Result{OK: true, Message: info, Data: map[string]any{"medication": med}}, nil
	}
}

func evaluatePriorAuthorization() Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		patientInfo, _ := args["patient_info"].(map[string]any)
		treatmentPlan, _ := args["treatment_plan"].(map[string]any)

		name := str(patientInfo, "patient_name")
		medication := str(treatmentPlan, "requested_medication")
		if name == "" || medication == "" {
			return Result{OK: false, Message: "Missing critical information for prior authorization evaluation."}, nil
		}
		return Result{
			OK:      true,
			Message: fmt.Sprintf("Prior authorization for %s for %s has been reviewed. Further clinical validation may be required.", medication, name),
			Data:    map[string]any{"patient_name": name, "requested_medication": medication},
		}, nil
	}
}

func escalateEmergency() Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		reason := strings.TrimSpace(str(args, "reason"))
		if reason == "" {
			return nil, fmt.Errorf("escalate_emergency requires a reason")
		}
		return Result{
			OK:      true,
			Message: fmt.Sprintf("Emergency escalation triggered: %s. A human healthcare agent is now being connected.", reason),
			Data:    map[string]any{"escalated": true, "reason": reason},
		}, nil
	}
}

// ─── Schema and argument helpers ───

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectProp(desc string) map[string]any {
	return map[string]any{"type": "object", "description": desc}
}

func str(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
