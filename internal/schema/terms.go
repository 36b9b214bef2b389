package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// TermsSchema validates the terms map fetched by HGETALL QUERY:<qid>
// (spec.md §4.3 step 1) before it is handed to PrepareQuery, the way
// bundoc's Collection.SetSchema compiles and reuses a gojsonschema.Schema
// per collection. QOP keeps one compiled schema per table name, since
// different tables require different term keys (e.g. a flow-series table
// always needs a time_period).
type TermsSchema struct {
	perTable map[string]*gojsonschema.Schema
	fallback *gojsonschema.Schema
}

// defaultTermsSchemaJSON requires the two keys every query's terms map must
// carry regardless of table: enqueue_time (a decimal string, the source of
// Query's enqueue time) and table. where/select/post must be strings when
// present but are not required.
const defaultTermsSchemaJSON = `{
  "type": "object",
  "properties": {
    "enqueue_time": {"type": "string", "pattern": "^[0-9]+$"},
    "where": {"type": "string"},
    "select": {"type": "string"},
    "post": {"type": "string"},
    "table": {"type": "string"}
  },
  "required": ["enqueue_time", "table"]
}`

// NewTermsSchema compiles perTableJSON (table name -> JSON Schema text) plus
// the baked-in fallback schema used for tables without an explicit entry.
func NewTermsSchema(perTableJSON map[string]string) (*TermsSchema, error) {
	fallback, err := compile(defaultTermsSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile default terms schema: %w", err)
	}
	ts := &TermsSchema{perTable: make(map[string]*gojsonschema.Schema, len(perTableJSON)), fallback: fallback}
	for table, raw := range perTableJSON {
		s, err := compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile terms schema for table %q: %w", table, err)
		}
		ts.perTable[table] = s
	}
	return ts, nil
}

func compile(raw string) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewStringLoader(raw)
	return gojsonschema.NewSchema(loader)
}

// Validate checks terms (as returned by HGETALL) against the schema for
// terms["table"], or the fallback schema when the table has no dedicated
// entry. A failure here is surfaced by Admission & Intake as a prepare
// failure (spec.md §7 "Prepare failure").
func (ts *TermsSchema) Validate(terms map[string]string) error {
	table := terms["table"]
	s := ts.perTable[table]
	if s == nil {
		s = ts.fallback
	}

	doc := make(map[string]any, len(terms))
	for k, v := range terms {
		doc[k] = v
	}

	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate terms: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("terms invalid: %s", strings.Join(msgs, "; "))
	}
	return nil
}
