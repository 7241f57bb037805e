package evidence

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"CoordScope/internal/domain/models"
)

const schemaURL = "https://coordscope.local/schemas/evidence-bundle.json"

//go:embed bundle.schema.json
var bundleSchema string

// SchemaValidator checks bundles against the published export contract.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(bundleSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate reports the first contract violation of b, if any.
func (v *SchemaValidator) Validate(b *models.EvidenceBundle) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	return v.ValidateJSON(raw)
}

// ValidateJSON validates an already encoded bundle.
func (v *SchemaValidator) ValidateJSON(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := v.schema.Validate(payload); err != nil {
		return fmt.Errorf("bundle schema: %w", err)
	}
	return nil
}
