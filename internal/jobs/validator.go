package jobs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation can be used with errors.Is to detect request schema failures.
var ErrValidation = errors.New("validation failed")

const createJobSchemaID = "https://solidgen.dev/schemas/create-job.json"

const createJobSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["input_ref"],
  "properties": {
    "input_ref": {"type": "string", "minLength": 1, "maxLength": 1024},
    "resolution": {"type": "integer", "enum": [512, 1024, 1536]},
    "seed": {"type": "integer", "minimum": 0},
    "decimation_target": {"type": "integer", "minimum": 10000, "maximum": 2000000},
    "texture_size": {"type": "integer", "enum": [512, 1024, 2048, 4096]}
  }
}`

// Validator checks request bodies against the compiled create-job schema.
type Validator struct {
	createJob *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	schema, err := jsonschema.CompileString(createJobSchemaID, createJobSchema)
	if err != nil {
		return nil, fmt.Errorf("compile create-job schema: %w", err)
	}
	return &Validator{createJob: schema}, nil
}

// ValidateCreateJob performs hard reject of a malformed create-job body.
func (v *Validator) ValidateCreateJob(body []byte) error {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := v.createJob.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
