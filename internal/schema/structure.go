// Package schema derives the relational table layout for a nested message type.
//
// Build walks the type graph once, depth first, and produces two things:
//
//   - a TablesStructure, the ordered list of output tables and their columns,
//     persisted between runs to detect schema drift
//   - a Plan per type, the read-only recipe the row flattener follows to turn
//     one message instance into rows
//
// Both are fixed for a given root type and override configuration. They never
// vary per message.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StructureVersion is written into every persisted TablesStructure.
const StructureVersion = 2

// ColumnDefinition is one output column.
type ColumnDefinition struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema is one output table.
type TableSchema struct {
	Name    string             `json:"name"`
	Folder  string             `json:"folder"`
	Columns []ColumnDefinition `json:"columns"`
}

// ColumnNames returns the column names in order.
func (t TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HeaderLine returns the comma-joined column names.
func (t TableSchema) HeaderLine() string {
	return strings.Join(t.ColumnNames(), ",")
}

// TablesStructure is the full ordered set of output tables.
type TablesStructure struct {
	Version int           `json:"version"`
	Root    string        `json:"root"`
	Tables  []TableSchema `json:"tables"`
}

// Table returns the table with the given name.
func (s *TablesStructure) Table(name string) (TableSchema, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSchema{}, false
}

// Drift describes the first structural difference between s and other.
// Returns an empty string when both describe the same tables and columns.
// A nil other always drifts.
func (s *TablesStructure) Drift(other *TablesStructure) string {
	if other == nil {
		return "no previous structure"
	}
	if len(s.Tables) != len(other.Tables) {
		return fmt.Sprintf("table count changed from %d to %d", len(other.Tables), len(s.Tables))
	}
	for i, t := range s.Tables {
		o := other.Tables[i]
		if t.Name != o.Name {
			return fmt.Sprintf("table %d renamed from %s to %s", i, o.Name, t.Name)
		}
		if len(t.Columns) != len(o.Columns) {
			return fmt.Sprintf("table %s column count changed from %d to %d", t.Name, len(o.Columns), len(t.Columns))
		}
		for j, c := range t.Columns {
			oc := o.Columns[j]
			if c.Name != oc.Name || c.Type != oc.Type {
				return fmt.Sprintf("table %s column %d changed from %s %s to %s %s",
					t.Name, j, oc.Name, oc.Type, c.Name, c.Type)
			}
		}
	}
	return ""
}

// Equal reports whether s and other describe the same tables.
func (s *TablesStructure) Equal(other *TablesStructure) bool {
	return s.Drift(other) == ""
}

// Marshal encodes the structure for persistence.
func (s *TablesStructure) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// UnmarshalStructure decodes a persisted structure.
func UnmarshalStructure(data []byte) (*TablesStructure, error) {
	var s TablesStructure
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode tables structure: %w", err)
	}
	return &s, nil
}
