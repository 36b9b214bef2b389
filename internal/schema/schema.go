// Package schema holds the per-table column type registry used by the
// Result Publisher (spec.md §4.6) and a JSON-Schema-based validator for the
// query terms map fetched at admission (SPEC_FULL.md DOMAIN STACK).
//
// The original proxy (QEOpServerProxy.cc) consulted a global mutable
// g_viz_constants table; §9's design notes call for an injected read-only
// registry instead. Registry is that injection point.
package schema

import "strings"

// DataType is one of the column datatypes the Result Publisher understands.
type DataType string

const (
	DataString DataType = "string"
	DataUUID   DataType = "uuid"
	DataIPAddr DataType = "ipaddr"
	DataDouble DataType = "double"
	DataNumber DataType = "number" // the "other" bucket: unsigned integer
)

// Column is one output column's name and wire datatype.
type Column struct {
	Name     string
	DataType DataType
}

// Table is a named, ordered set of columns.
type Table struct {
	Name    string
	Columns []Column
}

// Registry maps table names to their column schema, with a fallback
// "object table" schema for unrecognized tables (spec.md §4.6: "fall back
// to the generic object-table schema if the table is unknown").
type Registry struct {
	tables       map[string]Table
	objectTable  Table
}

// NewRegistry builds a registry from a set of known tables plus the
// fallback object-table schema.
func NewRegistry(tables []Table, objectTable Table) *Registry {
	r := &Registry{
		tables:      make(map[string]Table, len(tables)),
		objectTable: objectTable,
	}
	for _, t := range tables {
		r.tables[t.Name] = t
	}
	return r
}

// Columns returns the column schema for table, falling back to the generic
// object-table schema when table is unknown.
func (r *Registry) Columns(table string) []Column {
	if t, ok := r.tables[table]; ok {
		return t.Columns
	}
	return r.objectTable.Columns
}

// ColumnType looks up a column's datatype within the given column list.
// The COUNT prefix rule takes priority over schema lookup, per §4.6.
func ColumnType(columns []Column, name string) (DataType, bool) {
	if strings.HasPrefix(name, "COUNT") {
		return DataNumber, true
	}
	for _, c := range columns {
		if c.Name == name {
			return c.DataType, true
		}
	}
	return "", false
}

// DefaultObjectTableSchema is the fallback schema for unrecognized tables,
// standing in for g_viz_constants._OBJECT_TABLE_SCHEMA: a small set of
// columns common to every analytics object (its identity, source, and
// timestamp), typed generically. A row column outside this set on an
// unrecognized table is still a programmer error, same as for known tables.
func DefaultObjectTableSchema() Table {
	return Table{
		Name: "__OBJECT_TABLE__",
		Columns: []Column{
			{Name: "ObjectId", DataType: DataUUID},
			{Name: "Source", DataType: DataString},
			{Name: "ModuleId", DataType: DataString},
			{Name: "Timestamp", DataType: DataNumber},
			{Name: "Type", DataType: DataString},
		},
	}
}
