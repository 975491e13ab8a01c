package snapshot

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/world_snapshot.schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("world_snapshot.schema.json", schemaJSON)

// Encode validates and marshals a snapshot. Invalid snapshots are never written.
func Encode(s WorldSnapshot) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// Decode parses b and rejects anything but an exact version and shape match.
// Every rejection matches ErrInvalid.
func Decode(b []byte) (WorldSnapshot, error) {
	var s WorldSnapshot
	if err := decodeStrict(b, &s); err != nil {
		return WorldSnapshot{}, err
	}
	if err := s.Validate(); err != nil {
		return WorldSnapshot{}, err
	}
	return s, nil
}

// decodeStrict checks b against the schema and strictly decodes it into v.
func decodeStrict(b []byte, v any) error {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return invalidf("json: %v", err)
	}
	if m, ok := doc.(map[string]any); ok {
		if ver, ok := m["version"].(float64); ok && int(ver) != Version {
			return invalidf("version %v, want %d", m["version"], Version)
		}
	}
	if err := schema.Validate(doc); err != nil {
		return invalidf("%s", schemaMessage(err))
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalidf("decode: %v", err)
	}
	return nil
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
}
