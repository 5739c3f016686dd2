package form_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/formfuzz/internal/form"
)

func TestExtract_LabeledAndHiddenInputs(t *testing.T) {
	markup := `<form>
		<label for="e">Email</label>
		<input type="email" name="email" id="e">
		<input type="hidden" name="csrf" value="tok">
	</form>`

	fields, err := form.Extract(markup)
	require.NoError(t, err)

	want := []form.FormField{
		{Name: "email", Type: form.Email, Value: "", Label: "Email"},
		{Name: "csrf", Type: form.Other, Value: "tok", Label: ""},
	}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_DocumentOrderAndTypes(t *testing.T) {
	markup := `<form action="/" method="post">
		<input name="first">
		<textarea name="message" id="m">hello</textarea>
		<label for="m">  Your message  </label>
		<select name="topic"><option>a</option></select>
		<input type="TEL" name="phone">
		<input type="url" name="site">
		<input type="password" name="secret">
		<input type="checkbox" name="agree">
		<button type="submit" name="go">Send</button>
	</form>`

	fields, err := form.Extract(markup)
	require.NoError(t, err)
	require.Len(t, fields, 8)

	gotTypes := make([]form.FieldType, len(fields))
	for i, f := range fields {
		gotTypes[i] = f.Type
	}
	assert.Equal(t, []form.FieldType{
		form.Text, form.Textarea, form.Other, form.Tel, form.URL, form.Password, form.Other, form.Other,
	}, gotTypes)

	assert.Equal(t, "hello", fields[1].Value)
	assert.Equal(t, "Your message", fields[1].Label)
}

func TestExtract_OnlyFirstForm(t *testing.T) {
	markup := `<form><input name="a"></form><form><input name="b"></form>`

	fields, err := form.Extract(markup)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "a", fields[0].Name)
}

func TestExtract_NoForm(t *testing.T) {
	_, err := form.Extract(`<div><input name="x"></div>`)
	require.Error(t, err)

	var perr *form.ParseError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, form.ErrNoForm)
}

func TestExtract_EmptyForm(t *testing.T) {
	fields, err := form.Extract(`<form></form>`)
	require.NoError(t, err)
	assert.NotNil(t, fields)
	assert.Empty(t, fields)
}

func TestFillable(t *testing.T) {
	fields := []form.FormField{
		{Name: "a", Type: form.Text},
		{Name: "b", Type: form.Other},
		{Name: "c", Type: form.Email},
	}

	got := form.Fillable(fields)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "c", got[1].Name)

	empty := form.Fillable(nil)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestFieldTypeText(t *testing.T) {
	b, err := form.Textarea.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "textarea", string(b))

	var ft form.FieldType
	require.NoError(t, ft.UnmarshalText([]byte("tel")))
	assert.Equal(t, form.Tel, ft)

	assert.Error(t, ft.UnmarshalText([]byte("radio")))
	assert.Equal(t, form.Other, form.ParseFieldType("radio"))
}
