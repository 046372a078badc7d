package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// Catalog formats, chosen by file extension.
const (
	FormatCUE  = "cue"
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// ValidationError is a single problem found in a catalog source.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// CatalogError collects every problem found while parsing a catalog.
type CatalogError struct {
	Source string
	Errors []ValidationError
}

func (e *CatalogError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Error())
	}
	return fmt.Sprintf("invalid catalog %s: %s", e.Source, strings.Join(msgs, "; "))
}

// catalogDocument is the YAML and JSON catalog layout. A bare list of plans
// is accepted too.
type catalogDocument struct {
	Plans []engine.RecoveryPlan `yaml:"plans" json:"plans"`
}

// CatalogParser reads recovery plan catalogs written in CUE, YAML or JSON.
// Every plan is checked against the built-in #Plan schema.
type CatalogParser struct {
	schemas *SchemaRegistry
	mu      sync.Mutex
}

// NewCatalogParser creates a catalog parser.
func NewCatalogParser() *CatalogParser {
	return &CatalogParser{schemas: NewSchemaRegistry()}
}

// FormatOf returns the catalog format for a file name.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported catalog format: %s", path)
	}
}

// ParseFile parses a catalog file, or every catalog file in a directory.
func (cp *CatalogParser) ParseFile(ctx context.Context, path string) ([]engine.RecoveryPlan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}

	if !info.IsDir() {
		format, err := FormatOf(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		return cp.Parse(ctx, data, format, path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory %s: %w", path, err)
	}

	var plans []engine.RecoveryPlan
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := filepath.Join(path, entry.Name())
		if _, err := FormatOf(file); err != nil {
			continue
		}
		filePlans, err := cp.ParseFile(ctx, file)
		if err != nil {
			return nil, err
		}
		plans = append(plans, filePlans...)
	}

	if err := checkDuplicates(path, plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// Parse parses catalog content in the given format. source names the content
// in error messages.
func (cp *CatalogParser) Parse(ctx context.Context, data []byte, format, source string) ([]engine.RecoveryPlan, error) {
	var (
		plans []engine.RecoveryPlan
		err   error
	)

	switch format {
	case FormatCUE:
		plans, err = cp.parseCUE(data, source)
	case FormatYAML:
		plans, err = parseYAML(data)
	case FormatJSON:
		plans, err = parseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported catalog format: %s", format)
	}
	if err != nil {
		var catErr *CatalogError
		if errors.As(err, &catErr) {
			return nil, err
		}
		return nil, &CatalogError{Source: source, Errors: []ValidationError{{File: source, Message: err.Error()}}}
	}

	if format != FormatCUE {
		var problems []ValidationError
		for i := range plans {
			if plans[i].Priority == "" {
				plans[i].Priority = engine.PriorityMedium
			}
			if err := cp.ValidatePlan(ctx, &plans[i]); err != nil {
				problems = append(problems, cueValidationErrors(err, source, fmt.Sprintf("plans[%d]", i))...)
			}
		}
		if len(problems) > 0 {
			return nil, &CatalogError{Source: source, Errors: problems}
		}
	}

	if err := checkDuplicates(source, plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// ValidatePlan checks a decoded plan against the #Plan schema.
func (cp *CatalogParser) ValidatePlan(ctx context.Context, plan *engine.RecoveryPlan) error {
	return cp.schemas.ValidateAgainstSchema(ctx, PlanSchema, "#Plan", plan)
}

// parseCUE evaluates a CUE catalog. Plans live under "plans", either as a
// list or as a struct keyed by plan ID.
func (cp *CatalogParser) parseCUE(data []byte, source string) ([]engine.RecoveryPlan, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	val, err := cp.schemas.compileInScope(PlanSchema, data, source)
	if err != nil {
		return nil, err
	}
	if err := val.Err(); err != nil {
		return nil, &CatalogError{Source: source, Errors: cueValidationErrors(err, source, "")}
	}

	planDef, err := cp.schemas.Definition(PlanSchema, "#Plan")
	if err != nil {
		return nil, err
	}

	plansVal := val.LookupPath(cue.ParsePath("plans"))
	if !plansVal.Exists() {
		return nil, &CatalogError{Source: source, Errors: []ValidationError{{
			File:    source,
			Path:    "plans",
			Message: "catalog has no plans field",
		}}}
	}

	var (
		plans    []engine.RecoveryPlan
		problems []ValidationError
	)

	extract := func(path string, v cue.Value) {
		unified := planDef.Unify(v)
		if err := unified.Validate(cue.Concrete(true)); err != nil {
			problems = append(problems, cueValidationErrors(err, source, path)...)
			return
		}
		var plan engine.RecoveryPlan
		if err := unified.Decode(&plan); err != nil {
			problems = append(problems, ValidationError{
				File:    source,
				Path:    path,
				Message: fmt.Sprintf("failed to decode plan: %v", err),
			})
			return
		}
		plans = append(plans, plan)
	}

	switch plansVal.IncompleteKind() {
	case cue.ListKind:
		list, err := plansVal.List()
		if err != nil {
			return nil, &CatalogError{Source: source, Errors: cueValidationErrors(err, source, "plans")}
		}
		for idx := 0; list.Next(); idx++ {
			extract(fmt.Sprintf("plans[%d]", idx), list.Value())
		}
	case cue.StructKind:
		iter, err := plansVal.Fields()
		if err != nil {
			return nil, &CatalogError{Source: source, Errors: cueValidationErrors(err, source, "plans")}
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			v := iter.Value()
			// The key supplies the ID unless the plan sets one.
			if !v.LookupPath(cue.ParsePath("id")).Exists() {
				v = v.FillPath(cue.ParsePath("id"), key)
			}
			extract("plans."+key, v)
		}
	default:
		return nil, &CatalogError{Source: source, Errors: []ValidationError{{
			File:    source,
			Path:    "plans",
			Message: "plans must be a list or a struct keyed by plan ID",
		}}}
	}

	if len(problems) > 0 {
		return nil, &CatalogError{Source: source, Errors: problems}
	}
	return plans, nil
}

func parseYAML(data []byte) ([]engine.RecoveryPlan, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse YAML catalog: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		var plans []engine.RecoveryPlan
		if err := dec.Decode(&plans); err != nil {
			return nil, fmt.Errorf("failed to decode YAML catalog: %w", err)
		}
		return plans, nil
	}

	var doc catalogDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode YAML catalog: %w", err)
	}
	return doc.Plans, nil
}

func parseJSON(data []byte) ([]engine.RecoveryPlan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var plans []engine.RecoveryPlan
		if err := dec.Decode(&plans); err != nil {
			return nil, fmt.Errorf("failed to decode JSON catalog: %w", err)
		}
		return plans, nil
	}

	var doc catalogDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON catalog: %w", err)
	}
	return doc.Plans, nil
}

func checkDuplicates(source string, plans []engine.RecoveryPlan) error {
	seen := make(map[string]bool, len(plans))
	var problems []ValidationError
	for _, plan := range plans {
		if seen[plan.ID] {
			problems = append(problems, ValidationError{
				File:    source,
				Path:    plan.ID,
				Message: "duplicate plan ID",
			})
		}
		seen[plan.ID] = true
	}
	if len(problems) > 0 {
		return &CatalogError{Source: source, Errors: problems}
	}
	return nil
}

// cueValidationErrors converts CUE errors to ValidationErrors. prefix is
// prepended to CUE paths that are relative to a single plan.
func cueValidationErrors(err error, source, prefix string) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		msg, args := e.Msg()
		ve := ValidationError{
			File:    source,
			Message: fmt.Sprintf(msg, args...),
		}

		if pos := errors.Positions(e); len(pos) > 0 && pos[0].Filename() == source {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}

		path := strings.Join(e.Path(), ".")
		switch {
		case prefix != "" && path != "":
			ve.Path = prefix + "." + path
		case prefix != "":
			ve.Path = prefix
		default:
			ve.Path = path
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: source, Path: prefix, Message: err.Error()})
	}
	return out
}

// WriteCatalog writes plans to path in the format implied by its extension.
func (cp *CatalogParser) WriteCatalog(path string, plans []engine.RecoveryPlan) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}

	var data []byte
	switch format {
	case FormatYAML:
		data, err = yaml.Marshal(catalogDocument{Plans: plans})
	case FormatJSON:
		data, err = catalogJSON(plans)
	case FormatCUE:
		data, err = cp.ExportCUE(plans)
	}
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	return nil
}

// ExportCUE renders plans as a formatted CUE catalog.
func (cp *CatalogParser) ExportCUE(plans []engine.RecoveryPlan) ([]byte, error) {
	raw, err := catalogJSON(plans)
	if err != nil {
		return nil, err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	val, err := cp.schemas.compileInScope(PlanSchema, raw, "catalog.json")
	if err != nil {
		return nil, err
	}
	if err := val.Err(); err != nil {
		return nil, err
	}

	return format.Node(val.Syntax(cue.Concrete(true)))
}

// catalogJSON encodes plans without the persistence-only updated_at field.
func catalogJSON(plans []engine.RecoveryPlan) ([]byte, error) {
	docs := make([]map[string]interface{}, 0, len(plans))
	for i := range plans {
		raw, err := json.Marshal(&plans[i])
		if err != nil {
			return nil, err
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		delete(doc, "updated_at")
		docs = append(docs, doc)
	}
	return json.MarshalIndent(map[string]interface{}{"plans": docs}, "", "  ")
}

// PlanIDs returns the sorted IDs of plans.
func PlanIDs(plans []engine.RecoveryPlan) []string {
	ids := make([]string, 0, len(plans))
	for _, p := range plans {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)
	return ids
}
