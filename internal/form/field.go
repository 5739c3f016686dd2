package form

import (
	"fmt"
	"strings"
)

// FieldType is the closed set of control kinds the extractor reports.
type FieldType int

const (
	// Other covers every control that is not filled with generated text
	// (select, button, checkbox, hidden, submit, ...).
	Other FieldType = iota
	Email
	Password
	Tel
	Text
	Textarea
	URL
)

var fieldTypeNames = map[FieldType]string{
	Other:    "other",
	Email:    "email",
	Password: "password",
	Tel:      "tel",
	Text:     "text",
	Textarea: "textarea",
	URL:      "url",
}

// ParseFieldType maps an input type attribute onto a FieldType.
// Unknown values map to Other.
func ParseFieldType(s string) FieldType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email":
		return Email
	case "password":
		return Password
	case "tel":
		return Tel
	case "text":
		return Text
	case "textarea":
		return Textarea
	case "url":
		return URL
	default:
		return Other
	}
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// Fillable reports whether generated text can be assigned to the control.
func (t FieldType) Fillable() bool {
	return t != Other
}

// MarshalText implements encoding.TextMarshaler.
func (t FieldType) MarshalText() ([]byte, error) {
	name, ok := fieldTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown field type %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FieldType) UnmarshalText(b []byte) error {
	for k, v := range fieldTypeNames {
		if v == string(b) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown field type %q", string(b))
}

// FormField describes one control of the extracted form, in document order.
type FormField struct {
	Name  string    `json:"name"`
	Type  FieldType `json:"type"`
	Value string    `json:"value"`
	Label string    `json:"label"`
}

// FieldValue is a single generated assignment.
type FieldValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FieldValueSet is one complete assignment replayed in a single submission.
type FieldValueSet []FieldValue

// ResponseSet is the validated model output: one FieldValueSet per submission.
type ResponseSet []FieldValueSet

// Fillable returns the fields whose type can take generated text.
// The result is never nil.
func Fillable(fields []FormField) []FormField {
	out := make([]FormField, 0, len(fields))
	for _, f := range fields {
		if f.Type.Fillable() {
			out = append(out, f)
		}
	}
	return out
}
