package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChallengeProgram is the BotGuard challenge program the VM Attestation
// Driver executes. The wire form may be a bare string (legacy) or a
// structured object (modern); UnmarshalJSON collapses both to this single
// internal shape before anything downstream runs.
type ChallengeProgram struct {
	InterpreterURL  string `json:"interpreter_url"`
	InterpreterHash string `json:"interpreter_hash"`
	ChallengeID     string `json:"challenge_id"`
	Program         string `json:"program"`
	GlobalName      string `json:"global_name"`
}

// challengeProgramStructured mirrors ChallengeProgram's field names for the
// modern wire form; kept distinct so UnmarshalJSON can target it without
// recursing into itself.
type challengeProgramStructured struct {
	InterpreterURL  string `json:"interpreter_url"`
	InterpreterHash string `json:"interpreter_hash"`
	ChallengeID     string `json:"challenge_id"`
	Program         string `json:"program"`
	GlobalName      string `json:"global_name"`
}

// UnmarshalJSON accepts either a JSON string (the legacy form, where the
// entire payload is serialized program bytes with no separate metadata) or
// a JSON object (the modern structured form). Both forms must parse; a
// deserializer that accepts only one is a defect per spec.md §4.G.
func (c *ChallengeProgram) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}

	if trimmed[0] == '"' {
		var legacy string
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return fmt.Errorf("challenge: decode legacy string form: %w", err)
		}
		*c = ChallengeProgram{Program: legacy}
		return nil
	}

	var structured challengeProgramStructured
	if err := json.Unmarshal(trimmed, &structured); err != nil {
		return fmt.Errorf("challenge: decode structured form: %w", err)
	}
	*c = ChallengeProgram(structured)
	return nil
}

// MarshalJSON always renders the structured form; the legacy string form is
// wire-input-only.
func (c ChallengeProgram) MarshalJSON() ([]byte, error) {
	return json.Marshal(challengeProgramStructured(c))
}

// IsZero reports whether no challenge program was supplied on the wire.
func (c ChallengeProgram) IsZero() bool {
	return c == ChallengeProgram{}
}
