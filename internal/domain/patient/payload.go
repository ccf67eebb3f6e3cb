package patient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Intake payload keys.
const (
	FieldFirstName        = "first_name"
	FieldLastName         = "last_name"
	FieldGender           = "gender"
	FieldDateOfBirth      = "date_of_birth"
	FieldRegistrationDate = "registration_date"
	FieldReferredBy       = "referred_by"
	FieldAccompaniedBy    = "accompanied_by"
	FieldFamilyDiabetics  = "family_diabetics"

	FieldAddress      = "address"
	FieldProvince     = "province"
	FieldDistrict     = "district"
	FieldMunicipality = "municipality"
	FieldVillage      = "village"

	FieldEmail = "email"
	FieldPhone = "phone"

	FieldOccupationDescription = "occupation_description"
	FieldOccupationTitle       = "occupation_title"
	FieldCompany               = "company"

	FieldDiagnosis       = "diagnosis"
	FieldDiagnosisAdvent = "diagnosis_advent"
)

var requiredFields = []string{FieldFirstName, FieldLastName, FieldGender, FieldDateOfBirth}

// Payload is a flat intake payload keyed by field name, as produced by the
// intake form, the import file or a JSON request body. A missing key, a null
// value and a blank string are all treated as absent.
type Payload map[string]any

// ValidatePayload reports the first missing required field. A diagnosis
// advent date without a diagnosis is also rejected.
func ValidatePayload(p Payload) error {
	for _, field := range requiredFields {
		if !p.Has(field) {
			return &ValidationError{Field: field}
		}
	}
	return validateDependents(p)
}

func validateDependents(p Payload) error {
	if p.Has(FieldDiagnosisAdvent) && !p.Has(FieldDiagnosis) {
		return &ValidationError{Field: FieldDiagnosis}
	}
	return nil
}

// Has reports whether key carries a non-blank value.
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// HasAny reports whether any of keys carries a value.
func (p Payload) HasAny(keys ...string) bool {
	for _, k := range keys {
		if p.Has(k) {
			return true
		}
	}
	return false
}

// String returns the trimmed text value of key, or nil when absent. Numbers
// are accepted and rendered without exponent so a phone number decoded from
// JSON keeps its digits.
func (p Payload) String(key string) (*string, error) {
	if !p.Has(key) {
		return nil, nil
	}
	var s string
	switch v := p[key].(type) {
	case string:
		s = strings.TrimSpace(v)
	case json.Number:
		s = v.String()
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	default:
		return nil, &DomainError{Field: key, Value: fmt.Sprint(v), Err: errors.New("expected text")}
	}
	return &s, nil
}

// Date returns the civil date held by key, or nil when absent. Structured
// time values are taken as-is; strings go through the parser.
func (p Payload) Date(key string, parser DateParser) (*time.Time, error) {
	if !p.Has(key) {
		return nil, nil
	}
	var d time.Time
	switch v := p[key].(type) {
	case time.Time:
		d = parser.civil(v)
	case *time.Time:
		d = parser.civil(*v)
	case string:
		parsed, err := parser.Parse(v)
		if err != nil {
			return nil, &DomainError{Field: key, Value: v, Err: err}
		}
		d = parsed
	default:
		return nil, &DomainError{Field: key, Value: fmt.Sprint(v), Err: errors.New("expected a date")}
	}
	return &d, nil
}

// DecodePayload reads one JSON object. Numbers are kept as json.Number so a
// numeric phone number keeps its digits.
func DecodePayload(r io.Reader) (Payload, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if p == nil {
		return nil, errors.New("decode payload: expected a JSON object")
	}
	return p, nil
}
