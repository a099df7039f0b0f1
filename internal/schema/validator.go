// Package schema validates decoded hook payloads against the event taxonomy.
package schema

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/PratikDhanave/hook-ingestion-service/internal/models"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

const eventSchemaURL = "https://hook-ingestion-service.local/schemas/event.schema.json"

// ErrMalformed is returned when the body is not well-formed JSON.
var ErrMalformed = errors.New("malformed json")

// Validator checks payloads against the compiled event schema. Safe for concurrent use.
type Validator struct {
	schema *jsonschema.Schema
}

// New compiles the embedded schema.
func New() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	sch, err := c.Compile(eventSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Validate returns the schema violations of body, or nil when it conforms.
// A body that is not well-formed JSON yields ErrMalformed.
func (v *Validator) Validate(body []byte) ([]models.FieldError, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	err = v.schema.Validate(inst)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}

	p := message.NewPrinter(language.English)
	var out []models.FieldError
	collect(verr, p, &out)
	if len(out) == 0 {
		out = append(out, models.FieldError{Path: "/", Reason: verr.Error()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// collect appends the leaf causes of e.
func collect(e *jsonschema.ValidationError, p *message.Printer, out *[]models.FieldError) {
	if len(e.Causes) > 0 {
		for _, c := range e.Causes {
			collect(c, p, out)
		}
		return
	}
	path := "/" + strings.Join(e.InstanceLocation, "/")
	if req, ok := e.ErrorKind.(*kind.Required); ok {
		for _, missing := range req.Missing {
			*out = append(*out, models.FieldError{
				Path:   strings.TrimSuffix(path, "/") + "/" + missing,
				Reason: "required field missing",
			})
		}
		return
	}
	*out = append(*out, models.FieldError{Path: path, Reason: e.ErrorKind.LocalizedString(p)})
}

// Summary renders violations as one line for the audit record.
func Summary(fields []models.FieldError) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Path+": "+f.Reason)
	}
	return strings.Join(parts, "; ")
}
