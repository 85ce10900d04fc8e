package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func twoColumnStructure() *TablesStructure {
	return &TablesStructure{
		Version: StructureVersion,
		Root:    "Order",
		Tables: []TableSchema{
			{Name: "Order", Folder: "order", Columns: []ColumnDefinition{
				{Name: "Id", Type: "string"},
				{Name: "Date", Type: "datetime"},
			}},
		},
	}
}

func TestDrift(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *TablesStructure)
		drift  bool
	}{
		{"identical", func(s *TablesStructure) {}, false},
		{"column added", func(s *TablesStructure) {
			s.Tables[0].Columns = append(s.Tables[0].Columns, ColumnDefinition{Name: "Total", Type: "decimal"})
		}, true},
		{"column type changed", func(s *TablesStructure) { s.Tables[0].Columns[1].Type = "string" }, true},
		{"column renamed", func(s *TablesStructure) { s.Tables[0].Columns[1].Name = "When" }, true},
		{"table added", func(s *TablesStructure) {
			s.Tables = append(s.Tables, TableSchema{Name: "OrderItem"})
		}, true},
		{"table renamed", func(s *TablesStructure) { s.Tables[0].Name = "Orders" }, true},
		{"folder ignored", func(s *TablesStructure) { s.Tables[0].Folder = "other" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := twoColumnStructure()
			tt.mutate(current)
			drift := current.Drift(twoColumnStructure())
			if tt.drift {
				require.NotEmpty(t, drift)
				require.False(t, current.Equal(twoColumnStructure()))
			} else {
				require.Empty(t, drift)
			}
		})
	}
}

func TestDrift_NilPrevious(t *testing.T) {
	require.False(t, twoColumnStructure().Equal(nil))
}

func TestStructure_MarshalRoundTrip(t *testing.T) {
	s := twoColumnStructure()
	data, err := s.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalStructure(data)
	require.NoError(t, err)
	require.True(t, s.Equal(got))
	require.Equal(t, StructureVersion, got.Version)

	_, err = UnmarshalStructure([]byte("not json"))
	require.Error(t, err)
}

func TestTableSchema_HeaderLine(t *testing.T) {
	require.Equal(t, "Id,Date", twoColumnStructure().Tables[0].HeaderLine())
}
