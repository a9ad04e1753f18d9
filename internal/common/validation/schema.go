package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"matchmaking-workers/pkg/registry"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Validator checks job variables against the input schemas declared in the
// activity registry, compiled once at startup.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles the input schema of every activity. Activities with an
// empty schema accept any input.
func NewValidator(reg *registry.ActivityRegistry) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	if reg == nil {
		return v, nil
	}

	for _, a := range reg.Activities {
		if len(a.InputSchema) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(a.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile input schema for %s: %w", a.TaskType, err)
		}
		v.schemas[a.TaskType] = schema
	}
	return v, nil
}

// HasSchema reports whether taskType has a compiled input schema.
func (v *Validator) HasSchema(taskType string) bool {
	_, ok := v.schemas[taskType]
	return ok
}

// ValidateVariables validates the raw JSON variables of a job.
func (v *Validator) ValidateVariables(taskType, variables string) *ValidationResult {
	schema, ok := v.schemas[taskType]
	if !ok {
		return &ValidationResult{Valid: true}
	}
	if strings.TrimSpace(variables) == "" {
		variables = "{}"
	}
	return run(schema, gojsonschema.NewStringLoader(variables))
}

// ValidateDocument validates a decoded document against an ad-hoc schema.
func ValidateDocument(schema map[string]interface{}, doc interface{}) (*ValidationResult, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return run(compiled, gojsonschema.NewGoLoader(doc)), nil
}

func run(schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) *ValidationResult {
	result, err := schema.Validate(doc)
	if err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "(root)",
				Message: err.Error(),
				Code:    "MALFORMED_DOCUMENT",
			}},
		}
	}
	if result.Valid() {
		return &ValidationResult{Valid: true}
	}

	errs := make([]ValidationError, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, ValidationError{
			Field:   fieldOf(desc),
			Message: desc.Description(),
			Code:    codeOf(desc.Type()),
		})
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return &ValidationResult{Valid: false, Errors: errs}
}

// fieldOf names the offending property. gojsonschema reports missing required
// properties against their parent, so the property name is taken from details.
func fieldOf(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if desc.Type() == "required" {
		if prop, ok := desc.Details()["property"].(string); ok {
			if field == "(root)" {
				return prop
			}
			return field + "." + prop
		}
	}
	return field
}

func codeOf(errType string) string {
	switch errType {
	case "required":
		return "REQUIRED_FIELD_MISSING"
	case "invalid_type":
		return "INVALID_TYPE"
	case "enum":
		return "INVALID_ENUM_VALUE"
	case "string_gte", "array_min_items":
		return "MIN_LENGTH_VIOLATION"
	case "string_lte", "array_max_items":
		return "MAX_LENGTH_VIOLATION"
	case "number_gte", "number_gt":
		return "MINIMUM_VIOLATION"
	case "number_lte", "number_lt":
		return "MAXIMUM_VIOLATION"
	case "pattern":
		return "PATTERN_MISMATCH"
	case "additional_property_not_allowed":
		return "EXTRA_FIELD"
	}
	return strings.ToUpper(errType)
}

var activityIDPattern = regexp.MustCompile(`^[a-z]+(-[a-z]+)*\.[a-z]+(-[a-z]+)*\.[a-z]+(-[a-z]+)*$`)

// ValidateActivityNaming checks the domain.subdomain.action convention.
func ValidateActivityNaming(activityID string) error {
	if !activityIDPattern.MatchString(activityID) {
		return fmt.Errorf("activity ID must follow format: domain.subdomain.action (e.g., matching.score.candidates)")
	}
	return nil
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// Summary joins all messages into one line for error details.
func (vr *ValidationResult) Summary() string {
	return strings.Join(vr.GetErrorMessages(), "; ")
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

// GetErrorsForField returns errors for a field and anything nested under it.
func (vr *ValidationResult) GetErrorsForField(field string) []ValidationError {
	var fieldErrors []ValidationError
	for _, err := range vr.Errors {
		if err.Field == field || strings.HasPrefix(err.Field, field+".") {
			fieldErrors = append(fieldErrors, err)
		}
	}
	return fieldErrors
}
