// Package converters turns approved action drafts into domain records.
//
// Each action type has exactly one Converter. Converters are idempotent on a
// documented natural key, so running the same draft twice produces one record.
// Payloads are validated against a per-type JSON Schema before any converter
// code runs.
package converters

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ashita-ai/kobai/internal/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://kobai.schemas.local/actions/"

// Converter turns one action type's payload into a domain mutation.
type Converter interface {
	ActionType() model.ActionType
	// NaturalKey names the payload fields that identify the target record.
	NaturalKey() string
	Convert(ctx context.Context, draft model.ActionDraft, actor model.Actor) (model.EntityRef, error)
}

// Domain is every storage method the built-in converters use. Each converter
// depends on a narrower slice of it.
type Domain interface {
	SupplierStore
	ItemStore
	RFQStore
	InvoiceStore
	PaymentStore
	DisputeStore
}

// Registry maps every ActionType to its Converter and payload schema.
type Registry struct {
	converters map[model.ActionType]Converter
	schemas    map[model.ActionType]*jsonschema.Schema
}

// NewRegistry builds the registry with the built-in converters over d.
func NewRegistry(d Domain) (*Registry, error) {
	return newRegistry(
		NewRFQConverter(d),
		NewSupplierConverter(d),
		NewItemConverter(d),
		NewInvoiceConverter(d),
		NewPaymentConverter(d),
		NewDisputeConverter(d),
	)
}

func newRegistry(cs ...Converter) (*Registry, error) {
	r := &Registry{
		converters: make(map[model.ActionType]Converter, len(cs)),
		schemas:    make(map[model.ActionType]*jsonschema.Schema, len(cs)),
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	for _, conv := range cs {
		t := conv.ActionType()
		if _, dup := r.converters[t]; dup {
			return nil, fmt.Errorf("converters: duplicate converter for %s", t)
		}
		raw, err := Schema(t)
		if err != nil {
			return nil, err
		}
		url := schemaBaseURL + string(t) + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
			return nil, fmt.Errorf("converters: load schema %s: %w", t, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("converters: compile schema %s: %w", t, err)
		}
		r.converters[t] = conv
		r.schemas[t] = compiled
	}

	for _, t := range model.ActionTypes() {
		if _, ok := r.converters[t]; !ok {
			return nil, fmt.Errorf("converters: no converter for %s", t)
		}
	}
	return r, nil
}

// Schema returns the raw JSON Schema for t's payload.
func Schema(t model.ActionType) ([]byte, error) {
	raw, err := schemaFS.ReadFile("schemas/" + string(t) + ".json")
	if err != nil {
		return nil, fmt.Errorf("converters: schema for %s: %w", t, err)
	}
	return raw, nil
}

// Has reports whether t has a converter.
func (r *Registry) Has(t model.ActionType) bool {
	_, ok := r.converters[t]
	return ok
}

// NaturalKey returns the documented natural key for t.
func (r *Registry) NaturalKey(t model.ActionType) string {
	if c, ok := r.converters[t]; ok {
		return c.NaturalKey()
	}
	return ""
}

// Validate checks payload against t's schema. Errors are *model.ValidationError
// with the offending field, e.g. "payload.lines.0.quantity".
func (r *Registry) Validate(t model.ActionType, payload map[string]any) error {
	schema, ok := r.schemas[t]
	if !ok {
		return model.NewValidationError("action_type", "unknown action type %q", t)
	}
	if payload == nil {
		return model.NewValidationError("payload", "is required")
	}
	doc, err := normalize(payload)
	if err != nil {
		return model.NewValidationError("payload", "is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fieldError(err)
	}
	return nil
}

// Convert validates the draft's payload and dispatches to its converter.
func (r *Registry) Convert(ctx context.Context, draft model.ActionDraft, actor model.Actor) (model.EntityRef, error) {
	conv, ok := r.converters[draft.ActionType]
	if !ok {
		return model.EntityRef{}, model.NewValidationError("action_type", "unknown action type %q", draft.ActionType)
	}
	if err := r.Validate(draft.ActionType, draft.Output.Payload); err != nil {
		return model.EntityRef{}, err
	}
	ref, err := conv.Convert(ctx, draft, actor)
	if err != nil {
		return model.EntityRef{}, fmt.Errorf("converters: %s: %w", draft.ActionType, err)
	}
	return ref, nil
}

// normalize round-trips v through JSON so the validator only sees the types
// encoding/json produces.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decode unmarshals a validated payload into a typed struct.
func decode(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.NewValidationError("payload", "is not valid JSON: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return model.NewValidationError("payload", "%v", err)
	}
	return nil
}

var missingProps = regexp.MustCompile(`^missing propert(?:y|ies): '([^']+)'`)

// fieldError reduces a schema failure to its first leaf cause.
func fieldError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return model.NewValidationError("payload", "%v", err)
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	field := "payload"
	if loc := strings.Trim(leaf.InstanceLocation, "/"); loc != "" {
		field += "." + strings.ReplaceAll(loc, "/", ".")
	}
	if m := missingProps.FindStringSubmatch(leaf.Message); m != nil {
		return model.NewValidationError(field+"."+m[1], "is required")
	}
	return model.NewValidationError(field, "%s", leaf.Message)
}
