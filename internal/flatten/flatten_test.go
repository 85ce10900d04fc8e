package flatten

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/JonMunkholm/blobconv/internal/schema"
	"github.com/JonMunkholm/blobconv/internal/typedesc"
	"github.com/stretchr/testify/require"
)

// ---- Fixtures ----

func field(name, typ string) typedesc.Field {
	k := typedesc.KindScalar
	if typedesc.IsDateType(typ) {
		k = typedesc.KindDate
	}
	return typedesc.Field{Name: name, Kind: k, Type: typ}
}

func build(t *testing.T, root string, opts schema.Options, descs ...*typedesc.Descriptor) *schema.Result {
	t.Helper()
	reg := typedesc.NewRegistry()
	for _, d := range descs {
		reg.Register(d)
	}
	res, err := schema.Build(context.Background(), reg, root, opts)
	require.NoError(t, err)
	return res
}

func flattener(t *testing.T, res *schema.Result, opts Options) *Flattener {
	t.Helper()
	f, err := New(res, opts)
	require.NoError(t, err)
	return f
}

func orderResult(t *testing.T) *schema.Result {
	return build(t, "Order", schema.Options{},
		&typedesc.Descriptor{Name: "Order", Fields: []typedesc.Field{
			field("Id", "string"),
			field("Date", "datetime"),
			{Name: "Items", Kind: typedesc.KindObjectList, Type: "Item"},
		}},
		&typedesc.Descriptor{Name: "Item", Fields: []typedesc.Field{
			field("Name", "string"),
		}},
	)
}

func lines(ems []Emission) []string {
	out := make([]string, len(ems))
	for i, e := range ems {
		out[i] = e.Table + ":" + e.Row.String()
	}
	return out
}

// ---- Flatten ----

func TestFlatten_OrderWithItems(t *testing.T) {
	res := orderResult(t)
	f := flattener(t, res, Options{})

	ems, err := f.Flatten(typedesc.Object{
		"Id":   "o-1",
		"Date": time.Date(2024, 3, 1, 10, 20, 30, 123e6, time.UTC),
		"Items": []any{
			typedesc.Object{"Name": "pen"},
			nil,
			typedesc.Object{"Name": "cup"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"Order:o-1,2024-03-01 10:20:30.123",
		"OrderItem:o-1,pen",
		"OrderItem:o-1,cup",
	}, lines(ems))

	for _, e := range ems {
		table, ok := res.Structure.Table(e.Table)
		require.True(t, ok)
		require.Len(t, e.Row, len(table.Columns), "row arity matches table %s", e.Table)
		require.Equal(t, table.Folder, e.Folder)
	}
}

func TestFlatten_ListMessage(t *testing.T) {
	f := flattener(t, orderResult(t), Options{})

	ems, err := f.Flatten([]any{
		typedesc.Object{"Id": "a"},
		typedesc.Object{"Id": "b", "Items": []any{typedesc.Object{"Name": "x"}}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Order:a,", "Order:b,", "OrderItem:b,x"}, lines(ems))
}

func TestFlatten_BorrowedID(t *testing.T) {
	res := build(t, "Trade", schema.Options{},
		&typedesc.Descriptor{Name: "Trade", Fields: []typedesc.Field{
			field("Price", "double"),
			{Name: "Order", Kind: typedesc.KindObject, Type: "Order"},
			{Name: "Fills", Kind: typedesc.KindObjectList, Type: "Fill"},
		}},
		&typedesc.Descriptor{Name: "Order", Fields: []typedesc.Field{
			field("Id", "guid"),
			field("Side", "string"),
		}},
		&typedesc.Descriptor{Name: "Fill", Fields: []typedesc.Field{
			field("Qty", "int64"),
		}},
	)
	f := flattener(t, res, Options{})

	ems, err := f.Flatten(typedesc.Object{
		"Price": 10.5,
		"Order": typedesc.Object{"Id": "g-1", "Side": "buy"},
		"Fills": []any{typedesc.Object{"Qty": int64(3)}, typedesc.Object{"Qty": int64(4)}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{
		"Trade:g-1,10.5",
		"TradeOrder:g-1,buy",
		"OrderFill:g-1,3",
		"OrderFill:g-1,4",
	}, lines(ems))
}

func TestFlatten_RelationField(t *testing.T) {
	res := build(t, "Batch", schema.Options{RelationFields: map[string]string{"Batch": "BatchKey"}},
		&typedesc.Descriptor{Name: "Batch", Fields: []typedesc.Field{
			field("BatchKey", "string"),
			{Name: "Entries", Kind: typedesc.KindObjectList, Type: "Entry"},
		}},
		&typedesc.Descriptor{Name: "Entry", Fields: []typedesc.Field{
			field("Value", "double"),
		}},
	)
	f := flattener(t, res, Options{})

	ems, err := f.Flatten(typedesc.Object{
		"BatchKey": "k1",
		"Entries":  []any{typedesc.Object{"Value": 1.25}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Batch:k1", "BatchEntry:k1,1.25"}, lines(ems))
}

func TestFlatten_PassThroughLevel(t *testing.T) {
	res := build(t, "Envelope", schema.Options{},
		&typedesc.Descriptor{Name: "Envelope", Fields: []typedesc.Field{
			{Name: "Body", Kind: typedesc.KindObject, Type: "Body"},
		}},
		&typedesc.Descriptor{Name: "Body", Fields: []typedesc.Field{
			field("Id", "int64"),
			{Name: "Lines", Kind: typedesc.KindObjectList, Type: "Line"},
		}},
		&typedesc.Descriptor{Name: "Line", Fields: []typedesc.Field{
			field("Sku", "string"),
		}},
	)
	f := flattener(t, res, Options{})

	ems, err := f.Flatten(typedesc.Object{
		"Body": typedesc.Object{"Id": int64(5), "Lines": []any{typedesc.Object{"Sku": "s"}}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Body:5", "BodyLine:5,s"}, lines(ems))

	ems, err = f.Flatten(typedesc.Object{})
	require.NoError(t, err)
	require.Empty(t, ems)
}

func TestFlatten_NullIDPolicy(t *testing.T) {
	res := orderResult(t)
	msg := typedesc.Object{"Items": []any{typedesc.Object{"Name": "pen"}}}

	_, err := flattener(t, res, Options{}).Flatten(msg)
	require.ErrorIs(t, err, ErrNullID)

	ems, err := flattener(t, res, Options{NullIDs: NullIDWarn}).Flatten(msg)
	require.NoError(t, err)
	require.Equal(t, []string{"Order:,", "OrderItem:,pen"}, lines(ems))
}

func TestFlatten_ValidationFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	res := build(t, "Customer", schema.Options{},
		&typedesc.Descriptor{
			Name:     "Customer",
			Fields:   []typedesc.Field{field("Id", "int64"), field("Name", "string")},
			Validate: typedesc.RequireFields("Name"),
		},
	)
	f := flattener(t, res, Options{Logger: log})

	ems, err := f.Flatten(typedesc.Object{"Id": int64(1)})
	require.NoError(t, err)
	require.Equal(t, []string{"Customer:1,"}, lines(ems))
	require.Contains(t, logs.String(), "instance failed validation")
}

func TestFlatten_RejectsBadShapes(t *testing.T) {
	f := flattener(t, orderResult(t), Options{})

	tests := []struct {
		name string
		msg  any
	}{
		{"nil message", nil},
		{"scalar message", "o-1"},
		{"items not a list", typedesc.Object{"Id": "o", "Items": "x"}},
		{"item not an object", typedesc.Object{"Id": "o", "Items": []any{"x"}}},
		{"bad date", typedesc.Object{"Id": "o", "Date": "someday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Flatten(tt.msg)
			require.Error(t, err)
		})
	}
}

// ---- Formatting ----

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		v     any
		field typedesc.Field
		want  string
	}{
		{"nil", nil, field("Name", "string"), ""},
		{"string", "a b", field("Name", "string"), "a b"},
		{"bool", true, field("Flag", "bool"), "true"},
		{"int", int64(-7), field("N", "int64"), "-7"},
		{"uint", uint64(7), field("N", "uint64"), "7"},
		{"float", 2.50, field("F", "double"), "2.5"},
		{"large float", 1e21, field("F", "double"), "1000000000000000000000"},
		{"json number", json.Number("12.3400"), field("D", "decimal"), "12.3400"},
		{"time", time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC), field("At", "datetime"), "2024-01-02 03:04:05.006"},
		{"date string", "2024-01-02T03:04:05Z", field("At", "datetime"), "2024-01-02 03:04:05.000"},
		{"empty date", "", field("At", "date"), ""},
		{"scalar list", []any{"a", int64(2), 1.5}, typedesc.Field{Name: "L", Kind: typedesc.KindScalarList, Type: "string"}, "a;2;1.5"},
		{"empty list", []any{}, typedesc.Field{Name: "L", Kind: typedesc.KindScalarList, Type: "string"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatValue(tt.v, tt.field)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseNullIDPolicy(t *testing.T) {
	p, err := ParseNullIDPolicy("")
	require.NoError(t, err)
	require.Equal(t, NullIDError, p)

	p, err = ParseNullIDPolicy("WARN")
	require.NoError(t, err)
	require.Equal(t, NullIDWarn, p)

	_, err = ParseNullIDPolicy("ignore")
	require.Error(t, err)
}
