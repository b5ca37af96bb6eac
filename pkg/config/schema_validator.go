package config

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/collabserver.json
var collabServerSchema []byte

const errorFormat = "  - %s"

// SchemaValidationError represents a validation error from JSON schema validation
type SchemaValidationError struct {
	Field       string
	Description string
	Value       interface{}
}

// Error implements the error interface
func (e SchemaValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (value: %v)", e.Field, e.Description, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// SchemaValidationResult contains the results of schema validation
type SchemaValidationResult struct {
	Valid  bool
	Errors []SchemaValidationError
}

// Schema returns the embedded CollabServer JSON schema.
func Schema() []byte {
	return collabServerSchema
}

// ValidateWithSchema validates a JSON document against the CollabServer schema.
func ValidateWithSchema(jsonData []byte) (*SchemaValidationResult, error) {
	schemaLoader := gojsonschema.NewBytesLoader(collabServerSchema)
	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	validationResult := &SchemaValidationResult{
		Valid:  result.Valid(),
		Errors: make([]SchemaValidationError, 0),
	}
	for _, err := range result.Errors() {
		validationResult.Errors = append(validationResult.Errors, SchemaValidationError{
			Field:       err.Field(),
			Description: err.Description(),
			Value:       err.Value(),
		})
	}
	return validationResult, nil
}

// ValidateManifest validates a JSON document and folds schema errors into one error.
func ValidateManifest(jsonData []byte) error {
	result, err := ValidateWithSchema(jsonData)
	if err != nil {
		return err
	}
	if !result.Valid {
		errorMessages := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			errorMessages = append(errorMessages, fmt.Sprintf(errorFormat, e.Error()))
		}
		return fmt.Errorf("configuration does not match schema:\n%s", strings.Join(errorMessages, "\n"))
	}
	return nil
}
