package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.yaml
var schemasFS embed.FS

// Validator handles JSON schema validation of documents read or emitted by
// the tools.
type Validator struct {
	configSchema   *jsonschema.Schema
	elementsSchema *jsonschema.Schema
}

var (
	defaultOnce sync.Once
	defaultVal  *Validator
	defaultErr  error
)

// Default returns the validator compiled from the embedded schemas.
func Default() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultVal, defaultErr = NewValidator()
	})
	return defaultVal, defaultErr
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{}
	var err error
	if v.configSchema, err = loadSchema("config.schema.yaml"); err != nil {
		return nil, fmt.Errorf("failed to load config schema: %w", err)
	}
	if v.elementsSchema, err = loadSchema("elements.schema.yaml"); err != nil {
		return nil, fmt.Errorf("failed to load elements schema: %w", err)
	}
	return v, nil
}

// ValidateConfig validates a site configuration document.
func (v *Validator) ValidateConfig(doc any) error {
	return validate(v.configSchema, doc)
}

// ValidateElements validates an elements list about to be sent.
func (v *Validator) ValidateElements(elements any) error {
	return validate(v.elementsSchema, elements)
}

func validate(s *jsonschema.Schema, doc any) error {
	if s == nil {
		return fmt.Errorf("schema not loaded")
	}
	normalized, err := toJSONValue(doc)
	if err != nil {
		return err
	}
	return s.Validate(normalized)
}

// toJSONValue converts Go or YAML-decoded values to the shapes produced by
// encoding/json, which is what the schema compiler validates.
func toJSONValue(doc any) (any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return out, nil
}

// loadSchema loads and compiles an embedded YAML schema.
func loadSchema(name string) (*jsonschema.Schema, error) {
	data, err := schemasFS.ReadFile("schemas/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var schemaData any
	if err := yaml.Unmarshal(data, &schemaData); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	jsonData, err := json.Marshal(schemaData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	url := "mem://schemas/" + name
	if err := c.AddResource(url, bytes.NewReader(jsonData)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}
