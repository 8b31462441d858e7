package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldType is the expected type of a spreadsheet column.
type FieldType string

const (
	FieldTypeString  FieldType = "STRING"
	FieldTypeInteger FieldType = "INTEGER"
	FieldTypeDecimal FieldType = "DECIMAL"
	FieldTypeDate    FieldType = "DATE"
	FieldTypePhone   FieldType = "PHONE"
)

// FieldDefinition describes one column of the expected row schema.
type FieldDefinition struct {
	Name     string
	Type     FieldType
	Required bool
	// Min, when set, is an inclusive lower bound for numeric fields.
	Min *float64
	// ExclusiveMin makes Min exclusive.
	ExclusiveMin bool
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

func (e ValidationError) Error() string {
	return e.Message
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid bool              `json:"is_valid"`
	Values  map[string]any    `json:"values"`
	Errors  []ValidationError `json:"errors"`
}

// Reason joins the error messages into a single human readable string.
func (r ValidationResult) Reason() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, "; ")
}

// RowValidator coerces raw cell text into typed values.
type RowValidator struct {
	fields []FieldDefinition
}

// NewRowValidator creates a validator that checks fields in declaration order.
func NewRowValidator(fields []FieldDefinition) *RowValidator {
	return &RowValidator{fields: append([]FieldDefinition(nil), fields...)}
}

// Fields returns the schema the validator enforces.
func (rv *RowValidator) Fields() []FieldDefinition {
	return append([]FieldDefinition(nil), rv.fields...)
}

// ValidateRow checks raw cell values keyed by field name. Missing keys and
// blank cells are treated the same.
func (rv *RowValidator) ValidateRow(raw map[string]string) ValidationResult {
	result := ValidationResult{
		IsValid: true,
		Values:  make(map[string]any, len(rv.fields)),
		Errors:  []ValidationError{},
	}

	for _, field := range rv.fields {
		value := strings.TrimSpace(raw[field.Name])
		if value == "" {
			if field.Required {
				result.IsValid = false
				result.Errors = append(result.Errors, ValidationError{
					Field:   field.Name,
					Message: fmt.Sprintf("missing %s", field.Name),
				})
			}
			continue
		}

		coerced, err := Coerce(field.Type, value)
		if err == nil {
			err = checkBounds(field, coerced)
		}
		if err != nil {
			result.IsValid = false
			result.Errors = append(result.Errors, ValidationError{
				Field:   field.Name,
				Message: fmt.Sprintf("invalid %s: %v", field.Name, err),
				Value:   value,
			})
			continue
		}
		result.Values[field.Name] = coerced
	}

	return result
}

func checkBounds(field FieldDefinition, value any) error {
	if field.Min == nil {
		return nil
	}
	var n float64
	switch v := value.(type) {
	case int64:
		n = float64(v)
	case float64:
		n = v
	default:
		return nil
	}
	if field.ExclusiveMin && n <= *field.Min {
		return fmt.Errorf("must be greater than %v", *field.Min)
	}
	if !field.ExclusiveMin && n < *field.Min {
		return fmt.Errorf("must be at least %v", *field.Min)
	}
	return nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02-01-2006",
	"02/01/2006",
	"2006/01/02",
	"02-Jan-2006",
	"02 Jan 2006",
}

// excelEpoch is day zero of the 1900 date system, adjusted for the
// fictitious 1900-02-29 that spreadsheet software counts.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// Coerce converts raw cell text to the Go value for fieldType:
// string, int64, float64 or time.Time.
func Coerce(fieldType FieldType, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch fieldType {
	case FieldTypeString:
		return raw, nil
	case FieldTypeInteger:
		cleaned := stripNumber(raw)
		if i, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil && math.Mod(f, 1) == 0 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case FieldTypeDecimal:
		f, err := strconv.ParseFloat(stripNumber(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("unable to coerce %q to decimal", raw)
		}
		return f, nil
	case FieldTypeDate:
		return ParseDate(raw)
	case FieldTypePhone:
		return normalizePhone(raw)
	default:
		return nil, fmt.Errorf("unknown field type: %s", fieldType)
	}
}

// ParseDate accepts the common day-first layouts and spreadsheet serial numbers.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial > 0 && serial < 2958466 {
		days := math.Floor(serial)
		return excelEpoch.AddDate(0, 0, int(days)), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// stripNumber drops currency symbols and thousands separators.
func stripNumber(raw string) string {
	replacer := strings.NewReplacer(",", "", "₹", "", "$", "", " ", "")
	return replacer.Replace(raw)
}

// normalizePhone keeps digits only and accepts 7 to 15 of them. Numbers
// stored as spreadsheet floats (9.876543210E9) are rendered back to digits.
func normalizePhone(raw string) (string, error) {
	if f, err := strconv.ParseFloat(raw, 64); err == nil && strings.ContainsAny(raw, "eE.") && f == math.Trunc(f) {
		raw = strconv.FormatFloat(f, 'f', 0, 64)
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("unable to coerce %q to phone number", raw)
	}
	return digits, nil
}
