// Package dtmf implements the keypad validation gate for telephony calls.
//
// A call is set up with a 3-digit expected code. Incoming tone events are
// accumulated in sequence order; once three digits have arrived they are
// compared to the expected code. A match opens the validation gate and
// publishes exactly one completion event to the call's KV stream; a mismatch
// closes the lifecycle without publishing anything. The turn router consults
// the gate before every model call.
package dtmf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/kv"
	"github.com/voxgate/voxgate/internal/session"
)

// State is a validator lifecycle stage.
type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending"
	StateValidated State = "validated"
	StateInvalid   State = "invalid"
)

// Memory context keys the validator maintains.
const (
	ContextValidated = "dtmf_validated"
	ContextGateOpen  = "dtmf_validation_gate_open"
)

// completionStatus is the event value published exactly once on a match.
const completionStatus = "completed"

// codeLength is the fixed length of the expected validation code.
const codeLength = 3

// EventStream names the KV stream carrying a call's lifecycle events.
func EventStream(callID string) string {
	return "call:" + callID + ":events"
}

// toneNames maps the calling service's spelled-out tone values to digits.
var toneNames = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
	"pound": "#", "asterisk": "*",
}

// Validator is the per-call DTMF sub-state-machine.
type Validator struct {
	store  kv.Store
	callID string
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	expected string
	input    string
	lastSeq  int
}

// NewValidator returns an idle validator for one call.
func NewValidator(store kv.Store, callID string, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:  store,
		callID: callID,
		logger: logger,
		state:  StateIdle,
	}
}

// Setup arms the validator with the expected 3-digit code.
func (v *Validator) Setup(expected string) error {
	if len(expected) != codeLength {
		return fmt.Errorf("dtmf: expected code must be %d digits, got %q", codeLength, expected)
	}
	for _, r := range expected {
		if r < '0' || r > '9' {
			return fmt.Errorf("dtmf: expected code must be numeric, got %q", expected)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateIdle {
		return fmt.Errorf("dtmf: setup from state %q", v.state)
	}
	v.state = StatePending
	v.expected = expected
	return nil
}

// State reports the current lifecycle stage.
func (v *Validator) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// HandleTone processes one tone event. Tones arriving outside the pending
// state or out of sequence order are ignored. When the third digit completes
// the code, the validator transitions to validated or invalid and updates
// the session's memory context; a match additionally appends the single
// completion event to the call's KV stream.
func (v *Validator) HandleTone(ctx context.Context, mem *session.Memory, tone string, seq int) error {
	digit := normalizeTone(tone)
	if digit == "" {
		v.logger.Warn("unrecognized dtmf tone", slog.String("call_id", v.callID), slog.String("tone", tone))
		return nil
	}

	v.mu.Lock()
	if v.state != StatePending || seq <= v.lastSeq {
		v.mu.Unlock()
		return nil
	}
	v.lastSeq = seq
	v.input += digit
	if len(v.input) < codeLength {
		v.mu.Unlock()
		return nil
	}

	matched := v.input == v.expected
	if matched {
		v.state = StateValidated
	} else {
		v.state = StateInvalid
	}
	v.mu.Unlock()

	mem.SetContext(ContextValidated, matched)
	if !matched {
		v.logger.Warn("dtmf validation failed",
			slog.String("call_id", v.callID), slog.Int("digits", codeLength))
		return nil
	}

	mem.SetContext(ContextGateOpen, true)
	_, err := v.store.AppendEvent(ctx, EventStream(v.callID), map[string]string{
		"event_type":        "dtmf_validation",
		"validation_status": completionStatus,
		"call_id":           v.callID,
		"at":                time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("dtmf: publish completion event: %w", err)
	}
	v.logger.Info("dtmf validation completed", slog.String("call_id", v.callID))
	return nil
}

// GateOpen reports whether the session's validation gate is open.
func GateOpen(mem *session.Memory) bool {
	return mem.ContextBool(ContextGateOpen)
}

// WaitForCompletion blocks until the call's completion event appears on the
// KV stream or the timeout elapses. Returns false on timeout.
func WaitForCompletion(ctx context.Context, store kv.Store, callID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	lastID := "0"

	for {
		events, err := store.ReadEvents(ctx, EventStream(callID), lastID, 0, 16)
		if err != nil {
			return false, fmt.Errorf("dtmf: read completion stream: %w", err)
		}
		for _, ev := range events {
			lastID = ev.ID
			if ev.Fields["validation_status"] == completionStatus {
				return true, nil
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// normalizeTone maps a wire tone value to its digit representation.
func normalizeTone(tone string) string {
	if d, ok := toneNames[tone]; ok {
		return d
	}
	if len(tone) == 1 {
		r := tone[0]
		if (r >= '0' && r <= '9') || r == '#' || r == '*' {
			return tone
		}
	}
	return ""
}
