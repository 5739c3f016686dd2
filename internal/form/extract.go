package form

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoForm is returned when the markup has no form element.
var ErrNoForm = errors.New("no form element")

// ParseError reports markup the extractor could not turn into fields.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse form markup: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

const controlSelector = "input, textarea, select, button"

// Extract parses serialized form markup and returns one FormField per
// control of the first form, in document order.
func Extract(markup string) ([]FormField, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	formSel := doc.Find("form").First()
	if formSel.Length() == 0 {
		return nil, &ParseError{Err: ErrNoForm}
	}

	labels := labelIndex(doc)

	fields := make([]FormField, 0)
	formSel.Find(controlSelector).Each(func(_ int, s *goquery.Selection) {
		fields = append(fields, fieldFromControl(s, labels))
	})

	return fields, nil
}

func fieldFromControl(s *goquery.Selection, labels map[string]string) FormField {
	name, _ := s.Attr("name")
	field := FormField{Name: name}

	switch goquery.NodeName(s) {
	case "input":
		typ, ok := s.Attr("type")
		if !ok || strings.TrimSpace(typ) == "" {
			typ = "text"
		}
		// textarea is not a valid input type
		if t := ParseFieldType(typ); t != Textarea {
			field.Type = t
		}
		field.Value, _ = s.Attr("value")
	case "textarea":
		field.Type = Textarea
		field.Value = s.Text()
	default:
		field.Type = Other
		field.Value, _ = s.Attr("value")
	}

	if id, ok := s.Attr("id"); ok && id != "" {
		field.Label = labels[id]
	}

	return field
}

// labelIndex maps label[for] targets to their trimmed text. The first label
// for an id wins.
func labelIndex(doc *goquery.Document) map[string]string {
	labels := make(map[string]string)
	doc.Find("label[for]").Each(func(_ int, s *goquery.Selection) {
		target, _ := s.Attr("for")
		if target == "" {
			return
		}
		if _, seen := labels[target]; seen {
			return
		}
		labels[target] = strings.TrimSpace(s.Text())
	})
	return labels
}
