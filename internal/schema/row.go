package schema

import (
	"fmt"
	"strconv"
)

// ErrUnknownColumn is raised when a row carries a column name that is
// neither COUNT-prefixed nor present in the resolved table schema. Per
// spec.md §4.6 this is a programmer error (the source asserts on it); QOP
// surfaces it as an error, which the Result Publisher returns and the
// pipeline turns into an EIO terminal progress for the whole query instead
// of crashing the process (spec.md §7: "No error kills the QOP process").
type ErrUnknownColumn struct {
	Table  string
	Column string
}

func (e *ErrUnknownColumn) Error() string {
	return fmt.Sprintf("schema: column %q not present in table %q schema", e.Column, e.Table)
}

// JSONValue renders one column value as a Go value suitable for
// encoding/json marshaling, following the typing rules in spec.md §4.6:
//
//   - COUNT-prefixed column names are unsigned integers parsed from decimal.
//   - string/uuid -> string; ipaddr -> string; double -> float64 (strtod).
//   - other -> unsigned integer.
//   - empty string value -> nil (JSON null).
//   - unknown column name -> ErrUnknownColumn.
func JSONValue(table string, columns []Column, name, value string) (any, error) {
	dt, ok := ColumnType(columns, name)
	if !ok {
		return nil, &ErrUnknownColumn{Table: table, Column: name}
	}

	if value == "" {
		return nil, nil
	}

	switch dt {
	case DataString, DataUUID, DataIPAddr:
		return value, nil
	case DataDouble:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("schema: column %q: %w", name, err)
		}
		return f, nil
	default: // DataNumber, and the COUNT-prefix case which ColumnType already resolved
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("schema: column %q: %w", name, err)
		}
		return n, nil
	}
}

// Row renders a full result row (column name -> string value, as delivered
// by the query engine) into a JSON-ready map, resolving every column
// through JSONValue.
func Row(table string, columns []Column, fields map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		v, err := JSONValue(table, columns, name, value)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
