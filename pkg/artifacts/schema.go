package artifacts

import (
	"bytes"
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchema validates the minimal schemaVersion envelope every
// artifact wire payload must satisfy before being decoded into a concrete
// Go struct: this is the boundary check named in §9 ("Unknown versions
// are rejected at the boundary") and in the DATA MODEL's "every artifact
// carries schemaVersion" note.
const envelopeSchemaDoc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["schemaVersion", "tenantId"],
	"properties": {
		"schemaVersion": {"type": "string"},
		"tenantId": {"type": "string", "minLength": 1}
	}
}`

var envelopeSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", bytes.NewReader([]byte(envelopeSchemaDoc))); err != nil {
		panic(fmt.Sprintf("artifacts: invalid embedded envelope schema: %v", err))
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("artifacts: embedded envelope schema failed to compile: %v", err))
	}
	envelopeSchema = schema
}

// ValidateEnvelope checks that a decoded wire payload carries a
// schemaVersion this build understands before any hash or signature work
// is attempted. doc must be the result of decoding JSON into
// map[string]any (jsonschema validates against generic Go values).
func ValidateEnvelope(_ context.Context, doc map[string]any) error {
	if err := envelopeSchema.Validate(doc); err != nil {
		return fmt.Errorf("artifacts: envelope invalid: %w", err)
	}
	v, _ := doc["schemaVersion"].(string)
	if v != CurrentSchemaVersion {
		return ErrUnknownSchemaVersion{Got: v}
	}
	return nil
}
