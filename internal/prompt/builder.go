package prompt

import (
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/flosch/pongo2/v6"
	jsoniter "github.com/json-iterator/go"

	"github.com/ahrdadan/formfuzz/internal/form"
)

// Labels are shown to the model verbatim, so HTML escaping stays off.
var json = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

//go:embed templates/*.tpl
var templatesFS embed.FS

// DefaultTemplateName is the embedded template used when no override is set.
const DefaultTemplateName = "templates/form_values.tpl"

// Option configures a Builder.
type Option func(*config)

type config struct {
	templateFile   string
	templateString string
}

// WithTemplateFile loads the prompt template from a file on disk.
func WithTemplateFile(path string) Option {
	return func(cfg *config) {
		cfg.templateFile = strings.TrimSpace(path)
	}
}

// WithTemplateString uses the given template source.
func WithTemplateString(src string) Option {
	return func(cfg *config) {
		cfg.templateString = src
	}
}

// Builder renders the generation prompt from a template with the
// placeholders COUNT and FIELDS.
type Builder struct {
	tpl *pongo2.Template
}

// New compiles the configured template. Without options the embedded
// default template is used.
func New(options ...Option) (*Builder, error) {
	cfg := &config{}
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(cfg)
	}

	var (
		tpl *pongo2.Template
		err error
	)
	switch {
	case cfg.templateString != "":
		tpl, err = pongo2.FromString(cfg.templateString)
	case cfg.templateFile != "":
		abs, aerr := filepath.Abs(cfg.templateFile)
		if aerr != nil {
			return nil, fmt.Errorf("prompt: resolve %s: %w", cfg.templateFile, aerr)
		}
		dir, name := filepath.Split(abs)
		loader, lerr := pongo2.NewLocalFileSystemLoader(dir)
		if lerr != nil {
			return nil, fmt.Errorf("prompt: create loader for %s: %w", dir, lerr)
		}
		tpl, err = pongo2.NewSet("formfuzz-file", loader).FromFile(name)
	default:
		tpl, err = pongo2.NewSet("formfuzz", pongo2.NewFSLoader(templatesFS)).FromFile(DefaultTemplateName)
	}
	if err != nil {
		return nil, fmt.Errorf("prompt: compile template: %w", err)
	}

	return &Builder{tpl: tpl}, nil
}

// Build renders the prompt. Equal inputs produce byte-identical output.
func (b *Builder) Build(count int, fields []form.FormField) (string, error) {
	if b == nil || b.tpl == nil {
		return "", errors.New("prompt: builder is nil")
	}
	if count < 0 {
		return "", fmt.Errorf("prompt: count must be non-negative, got %d", count)
	}

	encoded, err := EncodeFields(fields)
	if err != nil {
		return "", err
	}

	out, err := b.tpl.Execute(pongo2.Context{
		"COUNT":  count,
		"FIELDS": pongo2.AsSafeValue(encoded),
	})
	if err != nil {
		return "", fmt.Errorf("prompt: execute template: %w", err)
	}
	return out, nil
}

// EncodeFields serializes fields as two-space indented JSON. A nil or empty
// list encodes as [].
func EncodeFields(fields []form.FormField) (string, error) {
	if fields == nil {
		fields = []form.FormField{}
	}
	b, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return "", fmt.Errorf("prompt: encode fields: %w", err)
	}
	return string(b), nil
}
