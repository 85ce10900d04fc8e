package codec

// tree.go decodes self-describing formats (JSON and MessagePack) into a
// generic value tree and then shapes that tree by descriptor.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/JonMunkholm/blobconv/internal/typedesc"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

func (d *Decoder) decodeJSON(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON document")
	}
	return d.shapeRoot(v)
}

func (d *Decoder) decodeMessagePack(payload []byte) (any, error) {
	r := bytes.NewReader(payload)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	dec.SetMapDecoder(func(dec *msgpack.Decoder) (interface{}, error) {
		return dec.DecodeUntypedMap()
	})

	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after MessagePack value", r.Len())
	}
	return d.shapeRoot(v)
}

func (d *Decoder) shapeRoot(v any) (any, error) {
	if d.mode == ModeSingle {
		if v == nil {
			return nil, errors.New("root value is null")
		}
		return d.shapeObject(v, d.root)
	}

	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("root value is %T, want a list", v)
	}
	out := make([]any, 0, len(items))
	for i, item := range items {
		obj, err := d.shapeObject(item, d.root)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, obj)
	}
	return out, nil
}

// shapeObject converts a generic map or positional array into an object.
func (d *Decoder) shapeObject(v any, desc *typedesc.Descriptor) (typedesc.Object, error) {
	obj := make(typedesc.Object, len(desc.Fields))

	switch src := v.(type) {
	case map[string]any:
		for k, raw := range src {
			f, ok := d.lookup(desc, k)
			if !ok {
				continue
			}
			val, err := d.shapeField(raw, f)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", desc.Name, f.Name, err)
			}
			obj[f.Name] = val
		}

	case map[any]any:
		for k, raw := range src {
			var (
				f  typedesc.Field
				ok bool
			)
			switch key := k.(type) {
			case string:
				f, ok = d.lookup(desc, key)
			default:
				idx, isInt := asInt(key)
				if isInt && idx >= 0 && idx < int64(len(desc.Fields)) {
					f, ok = desc.Fields[idx], true
				}
			}
			if !ok {
				continue
			}
			val, err := d.shapeField(raw, f)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", desc.Name, f.Name, err)
			}
			obj[f.Name] = val
		}

	case []any:
		if len(src) > len(desc.Fields) {
			return nil, fmt.Errorf("%s: %d positional values for %d fields", desc.Name, len(src), len(desc.Fields))
		}
		for i, raw := range src {
			f := desc.Fields[i]
			val, err := d.shapeField(raw, f)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", desc.Name, f.Name, err)
			}
			obj[f.Name] = val
		}

	default:
		return nil, fmt.Errorf("%s: got %T, want an object", desc.Name, v)
	}

	return obj, nil
}

// lookup matches a key by exact name first, then case-insensitively.
func (d *Decoder) lookup(desc *typedesc.Descriptor, key string) (typedesc.Field, bool) {
	if f, ok := desc.Field(key); ok {
		return f, true
	}
	f, ok := d.names[desc.Name][strings.ToLower(key)]
	return f, ok
}

func (d *Decoder) shapeField(v any, f typedesc.Field) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch f.Kind {
	case typedesc.KindObject:
		desc, err := d.descriptor(f.Type)
		if err != nil {
			return nil, err
		}
		return d.shapeObject(v, desc)

	case typedesc.KindObjectList:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("got %T, want a list", v)
		}
		desc, err := d.descriptor(f.Type)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			if item == nil {
				out = append(out, nil)
				continue
			}
			obj, err := d.shapeObject(item, desc)
			if err != nil {
				return nil, err
			}
			out = append(out, obj)
		}
		return out, nil

	case typedesc.KindScalarList:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("got %T, want a list", v)
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			s, err := coerceScalar(item, f.Type)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil

	default:
		return coerceScalar(v, f.Type)
	}
}

// coerceScalar normalizes a generic scalar to the representation used for
// the declared type. Values that cannot represent the type are rejected.
func coerceScalar(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch strings.ToLower(typ) {
	case typedesc.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}

	case typedesc.TypeGUID:
		switch g := v.(type) {
		case string:
			return g, nil
		case []byte:
			id, err := uuid.FromBytes(g)
			if err != nil {
				return nil, err
			}
			return id.String(), nil
		}

	case typedesc.TypeDecimal:
		switch n := v.(type) {
		case string, json.Number, int64, uint64, float64:
			return n, nil
		}

	case typedesc.TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}

	case typedesc.TypeInt32, typedesc.TypeInt64:
		switch n := v.(type) {
		case json.Number:
			return n.Int64()
		case int64:
			return n, nil
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		}

	case typedesc.TypeUint32, typedesc.TypeUint64:
		switch n := v.(type) {
		case json.Number:
			return parseUint(n.String())
		case uint64:
			return n, nil
		case int64:
			if n >= 0 {
				return uint64(n), nil
			}
		case float64:
			if n >= 0 && n == math.Trunc(n) {
				return uint64(n), nil
			}
		}

	case typedesc.TypeFloat, typedesc.TypeDouble:
		switch n := v.(type) {
		case json.Number:
			return n.Float64()
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		}

	case typedesc.TypeDateTime, typedesc.TypeDate:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			return ParseTime(t)
		case json.Number:
			secs, err := t.Int64()
			if err != nil {
				return nil, err
			}
			return time.Unix(secs, 0).UTC(), nil
		case int64:
			return time.Unix(t, 0).UTC(), nil
		}

	default:
		return nil, fmt.Errorf("unsupported scalar type %q", typ)
	}

	return nil, fmt.Errorf("got %T, want %s", v, typ)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
