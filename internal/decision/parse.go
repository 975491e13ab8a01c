package decision

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"villagesim.ai/internal/sim/model"
)

//go:embed schemas/decision_response.schema.json
var responseSchemaJSON string

var responseSchema = jsonschema.MustCompileString("decision_response.schema.json", responseSchemaJSON)

// ParseResponse decodes and validates a capability response body. Every
// failure is a *ValidationError, which matches ErrMalformed.
func ParseResponse(body []byte) (Response, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Response{}, &ValidationError{Reason: "empty body"}
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Response{}, &ValidationError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}
	if err := responseSchema.Validate(doc); err != nil {
		return Response{}, schemaError(err)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, &ValidationError{Reason: err.Error()}
	}
	resp.Decision.Reasoning = strings.TrimSpace(resp.Decision.Reasoning)
	if resp.Decision.Reasoning == "" {
		return Response{}, &ValidationError{Field: "decision.reasoning", Reason: "blank"}
	}
	if resp.Decision.TargetTileID != "" {
		if _, _, err := resp.Decision.TargetTileID.XY(); err != nil {
			return Response{}, &ValidationError{Field: "decision.targetTileId", Reason: err.Error()}
		}
	}
	return resp, nil
}

// ValidateDecision checks a decision built in-process (for example by a Lua
// rule or a test capability) against the same constraints as a parsed one.
func ValidateDecision(d Decision) error {
	if !model.IsKnownAction(d.Action) {
		return &ValidationError{Field: "decision.action", Reason: fmt.Sprintf("unknown action %q", d.Action)}
	}
	if strings.TrimSpace(d.Reasoning) == "" {
		return &ValidationError{Field: "decision.reasoning", Reason: "blank"}
	}
	if d.TargetTileID != "" {
		if _, _, err := d.TargetTileID.XY(); err != nil {
			return &ValidationError{Field: "decision.targetTileId", Reason: err.Error()}
		}
	}
	return nil
}

func schemaError(err error) *ValidationError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Reason: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.ReplaceAll(strings.TrimPrefix(leaf.InstanceLocation, "/"), "/", ".")
	return &ValidationError{Field: field, Reason: leaf.Message}
}
