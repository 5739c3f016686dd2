// Package response turns raw model output into validated field-value sets.
package response

import (
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ahrdadan/formfuzz/internal/form"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const fence = "```"

// NotJSONError is returned when the text is not parseable JSON after fence
// stripping.
type NotJSONError struct {
	Err error
}

func (e *NotJSONError) Error() string {
	return fmt.Sprintf("response is not valid JSON: %v", e.Err)
}

func (e *NotJSONError) Unwrap() error {
	return e.Err
}

// SchemaViolationError is returned when the JSON does not have the shape
// [[{"name": string, "value": string}]].
type SchemaViolationError struct {
	Path   string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("response schema violation at %s: %s", e.Path, e.Reason)
}

// StripFences drops every line whose first non-blank characters are a code
// fence marker.
func StripFences(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimLeft(line, " \t\r"), fence) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// Parse validates model output and returns the field-value sets it holds.
func Parse(text string) (form.ResponseSet, error) {
	body := StripFences(text)

	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, &NotJSONError{Err: err}
	}

	outer, ok := doc.([]interface{})
	if !ok {
		return nil, violation("$", "expected array", doc)
	}

	sets := make(form.ResponseSet, 0, len(outer))
	for i, rawSet := range outer {
		setPath := fmt.Sprintf("$[%d]", i)
		inner, ok := rawSet.([]interface{})
		if !ok {
			return nil, violation(setPath, "expected array", rawSet)
		}

		set := make(form.FieldValueSet, 0, len(inner))
		for j, rawValue := range inner {
			fv, err := parseFieldValue(fmt.Sprintf("%s[%d]", setPath, j), rawValue)
			if err != nil {
				return nil, err
			}
			set = append(set, fv)
		}
		sets = append(sets, set)
	}

	return sets, nil
}

func parseFieldValue(path string, raw interface{}) (form.FieldValue, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return form.FieldValue{}, violation(path, "expected object", raw)
	}

	extra := make([]string, 0)
	for k := range obj {
		if k != "name" && k != "value" {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return form.FieldValue{}, &SchemaViolationError{
			Path:   path,
			Reason: fmt.Sprintf("unexpected keys %s", strings.Join(extra, ", ")),
		}
	}

	name, err := stringMember(path, obj, "name")
	if err != nil {
		return form.FieldValue{}, err
	}
	value, err := stringMember(path, obj, "value")
	if err != nil {
		return form.FieldValue{}, err
	}
	return form.FieldValue{Name: name, Value: value}, nil
}

func stringMember(path string, obj map[string]interface{}, key string) (string, error) {
	raw, ok := obj[key]
	if !ok {
		return "", &SchemaViolationError{Path: path, Reason: fmt.Sprintf("missing key %q", key)}
	}
	s, ok := raw.(string)
	if !ok {
		return "", violation(path+"."+key, "expected string", raw)
	}
	return s, nil
}

func violation(path, want string, got interface{}) *SchemaViolationError {
	return &SchemaViolationError{Path: path, Reason: fmt.Sprintf("%s, got %s", want, kindOf(got))}
}

func kindOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, jsoniter.Number:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
