package codec

import (
	"math"
	"testing"
	"time"

	"github.com/JonMunkholm/blobconv/internal/typedesc"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protowire"
)

// ---- Fixtures ----

func testTypes() Types {
	reg := typedesc.NewRegistry()
	reg.Register(&typedesc.Descriptor{Name: "Order", Fields: []typedesc.Field{
		{Name: "Id", Kind: typedesc.KindScalar, Type: typedesc.TypeString},
		{Name: "Date", Kind: typedesc.KindDate, Type: typedesc.TypeDateTime},
		{Name: "Amount", Kind: typedesc.KindScalar, Type: typedesc.TypeDouble},
		{Name: "Tags", Kind: typedesc.KindScalarList, Type: typedesc.TypeString},
		{Name: "Customer", Kind: typedesc.KindObject, Type: "Customer"},
		{Name: "Items", Kind: typedesc.KindObjectList, Type: "Item"},
		{Name: "Qty", Kind: typedesc.KindScalar, Type: typedesc.TypeInt32},
	}})
	reg.Register(&typedesc.Descriptor{Name: "Customer", Fields: []typedesc.Field{
		{Name: "Id", Kind: typedesc.KindScalar, Type: typedesc.TypeInt64},
		{Name: "Name", Kind: typedesc.KindScalar, Type: typedesc.TypeString},
	}})
	reg.Register(&typedesc.Descriptor{Name: "Item", Fields: []typedesc.Field{
		{Name: "Name", Kind: typedesc.KindScalar, Type: typedesc.TypeString},
		{Name: "Price", Kind: typedesc.KindScalar, Type: typedesc.TypeDecimal},
	}})
	reg.Register(&typedesc.Descriptor{Name: "Series", Fields: []typedesc.Field{
		{Name: "Points", Kind: typedesc.KindScalarList, Type: typedesc.TypeDouble},
	}})

	types := Types{}
	for _, d := range reg.All() {
		types[d.Name] = d
	}
	return types
}

func newDecoder(t *testing.T, root string, mode MessageMode) *Decoder {
	t.Helper()
	d, err := NewDecoder(testTypes(), root, mode)
	require.NoError(t, err)
	return d
}

// ---- JSON ----

func TestDecode_JSON(t *testing.T) {
	d := newDecoder(t, "Order", ModeSingle)

	v, err := d.Decode([]byte(`{"id":"o-1","date":"2024-03-01T10:20:30.123Z","Amount":12.5,
		"Tags":["a","b"],"Customer":{"Id":7,"Name":"Ann"},
		"Items":[{"Name":"pen","Price":"1.20"}],"Qty":3,"Extra":true}`))
	require.NoError(t, err)
	require.Equal(t, FormatJSON, d.Format())

	obj := v.(typedesc.Object)
	require.Equal(t, "o-1", obj["Id"])
	require.True(t, time.Date(2024, 3, 1, 10, 20, 30, 123e6, time.UTC).Equal(obj["Date"].(time.Time)))
	require.Equal(t, 12.5, obj["Amount"])
	require.Equal(t, []any{"a", "b"}, obj["Tags"])
	require.Equal(t, typedesc.Object{"Id": int64(7), "Name": "Ann"}, obj["Customer"])
	require.Equal(t, []any{typedesc.Object{"Name": "pen", "Price": "1.20"}}, obj["Items"])
	require.Equal(t, int64(3), obj["Qty"])
	require.NotContains(t, obj, "Extra")
}

func TestDecode_JSONListMode(t *testing.T) {
	d := newDecoder(t, "Customer", ModeList)

	v, err := d.Decode([]byte(`[{"Id":1,"Name":"a"},{"Id":2,"Name":"b"}]`))
	require.NoError(t, err)
	require.Len(t, v.([]any), 2)

	_, err = newDecoder(t, "Customer", ModeList).Decode([]byte(`{"Id":1}`))
	require.ErrorIs(t, err, ErrUnsupportedPayload)
}

func TestDecodeJSON_RejectsTrailingData(t *testing.T) {
	d := newDecoder(t, "Customer", ModeSingle)
	_, err := d.decodeJSON([]byte(`{"Id":1} {"Id":2}`))
	require.Error(t, err)
}

func TestDecodeJSON_RejectsTypeMismatch(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"number for string", `{"Name":5}`},
		{"fraction for int", `{"Id":1.5}`},
		{"scalar for object", `"Ann"`},
		{"null root", `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDecoder(t, "Customer", ModeSingle)
			_, err := d.decodeJSON([]byte(tt.payload))
			require.Error(t, err)
		})
	}
}

// ---- MessagePack ----

func TestDecode_MessagePackMap(t *testing.T) {
	when := time.Date(2023, 5, 6, 7, 8, 9, 0, time.UTC)
	payload, err := msgpack.Marshal(map[string]any{
		"Id":   "o-3",
		"Qty":  int64(5),
		"Date": when,
		"Items": []any{
			map[string]any{"Name": "cup", "Price": 2.5},
		},
	})
	require.NoError(t, err)

	d := newDecoder(t, "Order", ModeSingle)
	v, err := d.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, FormatMessagePack, d.Format())

	obj := v.(typedesc.Object)
	require.Equal(t, "o-3", obj["Id"])
	require.Equal(t, int64(5), obj["Qty"])
	require.True(t, when.Equal(obj["Date"].(time.Time)))
	require.Equal(t, []any{typedesc.Object{"Name": "cup", "Price": 2.5}}, obj["Items"])
}

func TestDecode_MessagePackPositional(t *testing.T) {
	payload, err := msgpack.Marshal([]any{"o-2", nil, 3.5})
	require.NoError(t, err)

	d := newDecoder(t, "Order", ModeSingle)
	v, err := d.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, typedesc.Object{"Id": "o-2", "Date": nil, "Amount": 3.5}, v)
}

// ---- Protobuf ----

func TestDecode_Protobuf(t *testing.T) {
	var ts []byte
	ts = protowire.AppendTag(ts, 1, protowire.VarintType)
	ts = protowire.AppendVarint(ts, 1700000000)

	var customer []byte
	customer = protowire.AppendTag(customer, 1, protowire.VarintType)
	customer = protowire.AppendVarint(customer, 9)

	var item []byte
	item = protowire.AppendTag(item, 1, protowire.BytesType)
	item = protowire.AppendString(item, "pen")

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "o-4")
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(2.25))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, "x")
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, "y")
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, customer)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, item)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, item)
	delta := int64(-2)
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(delta))
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	d := newDecoder(t, "Order", ModeSingle)
	v, err := d.Decode(b)
	require.NoError(t, err)
	require.Equal(t, FormatProtobuf, d.Format())

	obj := v.(typedesc.Object)
	require.Equal(t, "o-4", obj["Id"])
	require.True(t, time.Unix(1700000000, 0).Equal(obj["Date"].(time.Time)))
	require.Equal(t, 2.25, obj["Amount"])
	require.Equal(t, []any{"x", "y"}, obj["Tags"])
	require.Equal(t, typedesc.Object{"Id": int64(9)}, obj["Customer"])
	require.Len(t, obj["Items"], 2)
	require.Equal(t, int64(-2), obj["Qty"])
}

func TestDecode_ProtobufPacked(t *testing.T) {
	var packed []byte
	packed = protowire.AppendFixed64(packed, math.Float64bits(1.5))
	packed = protowire.AppendFixed64(packed, math.Float64bits(-3))

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	d := newDecoder(t, "Series", ModeSingle)
	v, err := d.decodeProtobuf(b)
	require.NoError(t, err)
	require.Equal(t, typedesc.Object{"Points": []any{1.5, -3.0}}, v)
}

func TestDecode_ProtobufWireTypeMismatch(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	d := newDecoder(t, "Order", ModeSingle)
	_, err := d.decodeProtobuf(b)
	require.Error(t, err)
}

// ---- Detection ----

func TestDecode_FormatFixedPerBlob(t *testing.T) {
	d := newDecoder(t, "Customer", ModeSingle)

	_, err := d.Decode([]byte(`{"Id":1,"Name":"a"}`))
	require.NoError(t, err)

	mp, err := msgpack.Marshal(map[string]any{"Id": 2, "Name": "b"})
	require.NoError(t, err)

	_, err = d.Decode(mp)
	require.Error(t, err, "a second format is not accepted once the blob format is known")

	fresh := newDecoder(t, "Customer", ModeSingle)
	_, err = fresh.Decode(mp)
	require.NoError(t, err)
	require.Equal(t, FormatMessagePack, fresh.Format())
}

func TestDecode_Garbage(t *testing.T) {
	d := newDecoder(t, "Order", ModeSingle)

	_, err := d.Decode([]byte{0xff, 0xff})
	require.ErrorIs(t, err, ErrUnsupportedPayload)

	_, err = d.Decode(nil)
	require.ErrorIs(t, err, ErrUnsupportedPayload)
	require.Equal(t, FormatUnknown, d.Format())
}

func TestParseMessageMode(t *testing.T) {
	tests := []struct {
		in      string
		want    MessageMode
		wantErr bool
	}{
		{"", ModeSingle, false},
		{"Single", ModeSingle, false},
		{"list", ModeList, false},
		{"ARRAY", ModeArray, false},
		{"stream", ModeSingle, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMessageMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2024-01-02T03:04:05.1234567", time.Date(2024, 1, 2, 3, 4, 5, 123456700, time.UTC)},
		{"2024-01-02 03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2024-01-02", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			require.NoError(t, err)
			require.True(t, tt.want.Equal(got), "got %v", got)
		})
	}

	_, err := ParseTime("yesterday")
	require.Error(t, err)
}
