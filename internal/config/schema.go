package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "config.schema.json"

var (
	compileOnce sync.Once
	compiled    *validator.Schema
	compileErr  error
)

// JSONSchema describes durations as Go duration strings.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration such as 30s or 1m30s",
	}
}

// Schema returns the JSON Schema of the config file, generated from Config.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
	}
	s := r.Reflect(&Config{})
	s.Title = "voicegate configuration"
	return json.MarshalIndent(s, "", "  ")
}

func compileSchema() (*validator.Schema, error) {
	compileOnce.Do(func() {
		raw, err := Schema()
		if err != nil {
			compileErr = fmt.Errorf("generate schema: %w", err)
			return
		}
		compiler := validator.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

// validateRaw checks a config document before it is decoded, so unknown keys
// and out-of-range values are reported with their JSON path.
func validateRaw(raw []byte) error {
	s, err := compileSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return s.Validate(doc)
}
