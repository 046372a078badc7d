package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile error here is a programming error.
	if err := sr.RegisterSchema(PlanSchema, builtinPlanSchema); err != nil {
		panic(err)
	}

	return sr
}

// PlanSchema is the name of the built-in schema holding #Plan.
const PlanSchema = "plan"

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Definition returns a definition such as "#Plan" from a named schema.
func (sr *SchemaRegistry) Definition(schemaName, def string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	val := schema.LookupPath(cue.ParsePath(def))
	if !val.Exists() {
		return cue.Value{}, fmt.Errorf("definition %s not found in schema %s", def, schemaName)
	}
	return val, nil
}

// ValidateAgainstSchema validates data against a definition of a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName, def string, data interface{}) error {
	schema, err := sr.Definition(schemaName, def)
	if err != nil {
		return err
	}

	// Round-trip through JSON so field names and omitempty follow the json tags.
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.CompileBytes(raw)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// compileInScope compiles CUE source with the definitions of a named schema
// in scope, so catalogs can reference #Plan without declaring it.
func (sr *SchemaRegistry) compileInScope(schemaName string, src []byte, filename string) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	return sr.ctx.CompileBytes(src, cue.Filename(filename), cue.Scope(schema)), nil
}

const builtinPlanSchema = `
#ID: string & =~"^[a-z0-9][a-z0-9_-]*$"

#Action: {
	command?: string
	script?:  string
	args?: [...string]
	host?: string
	env?: {[string]: string}
}

#Step: {
	id:          #ID
	name:        string & !=""
	description?: string

	action: #Action

	timeout_seconds:     *0 | int & >=0
	max_retries:         *0 | int & >=0 & <=20
	rollback_on_failure: *false | bool
	dependencies?: [...#ID]
}

#Prerequisite: {
	name:         string & !=""
	description?: string
	check?:       #Action
	policy?:      string
}

#Check: {
	name:             string & !=""
	description?:     string
	command:          #Action
	expected_result?: string
	assert?:          string
	critical:         *false | bool
	timeout_seconds?: int & >=0
}

#Plan: {
	id:                         #ID
	name:                       string & !=""
	description?:               string
	priority:                   "critical" | "high" | *"medium" | "low"
	estimated_downtime_seconds: *0 | int & >=0
	steps: [#Step, ...#Step]
	rollback_steps?: [...#Step]
	prerequisites?: [...#Prerequisite]
	validation_checks?: [...#Check]
	updated_at?: string
}

#Catalog: {
	plans: [...#Plan] | {[#ID]: #Plan}
}
`
