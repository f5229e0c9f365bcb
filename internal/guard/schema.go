package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"execcore/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const signalSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["signal_id", "type", "source", "symbol", "direction", "timestamp"],
  "properties": {
    "signal_id": {"type": "string", "minLength": 1},
    "type": {"enum": ["PREPARE", "CONFIRM", "ABORT"]},
    "source": {"type": "string", "minLength": 1},
    "symbol": {"type": "string", "minLength": 1},
    "direction": {"type": "string", "pattern": "^(?i)(long|short)$"},
    "action": {"enum": ["OPEN", "CLOSE", "open", "close"]},
    "strategy_type": {"type": "string"},
    "venue": {"type": "string"},
    "entry_zone": {
      "oneOf": [
        {"type": "array", "items": {"type": "number", "minimum": 0}, "minItems": 2, "maxItems": 2},
        {"type": "object", "properties": {"low": {"type": "number", "minimum": 0}, "high": {"type": "number", "minimum": 0}}}
      ]
    },
    "stop_loss": {"type": "number", "minimum": 0},
    "take_profits": {"type": "array", "items": {"type": "number", "minimum": 0}},
    "size_hint": {"type": "number", "minimum": 0},
    "close_size": {"type": "number", "minimum": 0},
    "timestamp": {"type": "integer", "minimum": 1}
  }
}`

// SchemaValidator checks raw signal bodies against the embedded schema and
// decodes them.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signal.json", strings.NewReader(signalSchema)); err != nil {
		return nil, fmt.Errorf("load signal schema: %w", err)
	}
	compiled, err := compiler.Compile("signal.json")
	if err != nil {
		return nil, fmt.Errorf("compile signal schema: %w", err)
	}
	return &SchemaValidator{schema: compiled}, nil
}

// Decode validates body and unmarshals it into a Signal. Failures are
// SCHEMA_ERROR rejections naming the offending location.
func (v *SchemaValidator) Decode(body []byte) (types.Signal, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return types.Signal{}, types.Reject(types.CodeSchemaError, "invalid json: %v", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return types.Signal{}, types.Reject(types.CodeSchemaError, "%s", describeValidation(err))
	}
	var sig types.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		return types.Signal{}, types.Reject(types.CodeSchemaError, "decode signal: %v", err)
	}
	sig.Type = types.SignalType(strings.ToUpper(string(sig.Type)))
	sig.Action = types.IntentAction(strings.ToUpper(string(sig.Action)))
	return sig, nil
}

func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
