package dossier

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/dossier.schema.json
var dossierSchemaJSON []byte

const dossierSchemaURL = "dossier.schema.json"

// ErrInvalidDossier is returned when the structured dossier does not
// satisfy the embedded schema.
var ErrInvalidDossier = errors.New("dossier: structured dossier fails schema")

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func dossierSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(dossierSchemaJSON, &doc); err != nil {
			schemaErr = fmt.Errorf("parse dossier schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(dossierSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add dossier schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(dossierSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateStructured checks s against the dossier schema.
func ValidateStructured(s Structured) error {
	sch, err := dossierSchema()
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal structured dossier: %w", err)
	}
	var inst any
	if err := json.Unmarshal(data, &inst); err != nil {
		return fmt.Errorf("unmarshal structured dossier: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDossier, err)
	}
	return nil
}
