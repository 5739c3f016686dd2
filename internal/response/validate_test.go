package response_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ahrdadan/formfuzz/internal/form"
	"github.com/ahrdadan/formfuzz/internal/response"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParse_FencedSingleSet(t *testing.T) {
	text := "```json\n[[{\"name\":\"email\",\"value\":\"a@b.com\"}]]\n```"

	got, err := response.Parse(text)
	require.NoError(t, err)

	want := form.ResponseSet{{{Name: "email", Value: "a@b.com"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_IndentedFencesAndMultipleSets(t *testing.T) {
	text := "Here you go:\n  ```\n[\n  [{\"name\":\"a\",\"value\":\"1\"},{\"name\":\"b\",\"value\":\"2\"}],\n  [{\"name\":\"a\",\"value\":\"3\"}]\n]\n  ```"

	_, err := response.Parse(text)
	// prose outside the fence is not stripped
	var notJSON *response.NotJSONError
	require.True(t, errors.As(err, &notJSON))

	got, err := response.Parse(text[len("Here you go:\n"):])
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 2)
	assert.Equal(t, form.FieldValue{Name: "a", Value: "3"}, got[1][0])
}

func TestParse_EmptyArray(t *testing.T) {
	got, err := response.Parse("[]")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParse_NotJSON(t *testing.T) {
	for _, text := range []string{"[[{\"name\":\"a\"", "", "not json at all"} {
		_, err := response.Parse(text)
		var notJSON *response.NotJSONError
		assert.True(t, errors.As(err, &notJSON), "input %q: %v", text, err)
	}
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantPath string
	}{
		{"top level object", `{"name":"a"}`, "$"},
		{"array of strings", `["a","b"]`, "$[0]"},
		{"inner not object", `[[1]]`, "$[0][0]"},
		{"number value", `[[{"name":"a","value":"x"},{"name":"b","value":3}]]`, "$[0][1].value"},
		{"missing value", `[[{"name":"a"}]]`, "$[0][0]"},
		{"missing name", `[[{"value":"a"}]]`, "$[0][0]"},
		{"extra key", `[[{"name":"a","value":"b","type":"text"}]]`, "$[0][0]"},
		{"null name", `[[{"name":null,"value":"b"}]]`, "$[0][0].name"},
		{"null document", `null`, "$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := response.Parse(tt.text)
			var sv *response.SchemaViolationError
			require.True(t, errors.As(err, &sv), "got %v", err)
			assert.Equal(t, tt.wantPath, sv.Path)
		})
	}
}

func TestParse_ViolationReason(t *testing.T) {
	_, err := response.Parse(`[[{"name":"a","value":3}]]`)
	require.Error(t, err)
	assert.Equal(t, "response schema violation at $[0][0].value: expected string, got number", err.Error())
}

func TestStripFences(t *testing.T) {
	in := "```json\nline\n\t```\nmore ```inline\n"
	assert.Equal(t, "line\nmore ```inline\n", response.StripFences(in))
}
