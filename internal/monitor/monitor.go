// Package monitor validates incoming payment requests against a JSON
// schema before they reach the orchestrator, so malformed bodies are
// rejected with field-level messages instead of binding errors.
package monitor

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed payment_request_schema.json
var paymentRequestSchema string

// ContractMonitor validates request bodies against the payment request
// schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles the embedded payment request schema.
func NewContractMonitor() (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(paymentRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("monitor: compile payment request schema: %w", err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// Validate checks requestBody against the schema. It returns true if valid,
// or false and a list of validation error descriptions.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("monitor: validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// FormatErrors joins validation errors into a single display string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
