package codec

// protobuf.go decodes the binary schema format. Field numbers come from
// descriptor tags; the payload carries no names. Nested objects are
// length-delimited messages, dates are {seconds, nanos} messages or varint
// unix seconds, and list-mode payloads repeat the root message as field 1.

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JonMunkholm/blobconv/internal/typedesc"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

func (d *Decoder) decodeProtobuf(payload []byte) (any, error) {
	if d.mode == ModeSingle {
		return d.protoMessage(payload, d.root)
	}

	var out []any
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			return nil, fmt.Errorf("list element has field %d wire type %d", num, typ)
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		obj, err := d.protoMessage(msg, d.root)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func (d *Decoder) protoMessage(b []byte, desc *typedesc.Descriptor) (typedesc.Object, error) {
	obj := make(typedesc.Object, len(desc.Fields))

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f, ok := desc.FieldByTag(int(num))
		if !ok {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		switch f.Kind {
		case typedesc.KindObject, typedesc.KindObjectList:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("%s.%s: wire type %d, want bytes", desc.Name, f.Name, typ)
			}
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			child, err := d.descriptor(f.Type)
			if err != nil {
				return nil, err
			}
			v, err := d.protoMessage(msg, child)
			if err != nil {
				return nil, err
			}
			if f.Kind == typedesc.KindObject {
				obj[f.Name] = v
			} else {
				list, _ := obj[f.Name].([]any)
				obj[f.Name] = append(list, v)
			}

		case typedesc.KindScalarList:
			list, _ := obj[f.Name].([]any)
			if typ == protowire.BytesType && packable(f.Type) {
				packed, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				b = b[n:]
				want := scalarWireType(f.Type)
				for len(packed) > 0 {
					v, m, err := protoScalar(f.Type, want, packed)
					if err != nil {
						return nil, fmt.Errorf("%s.%s: %w", desc.Name, f.Name, err)
					}
					packed = packed[m:]
					list = append(list, v)
				}
				obj[f.Name] = list
				continue
			}
			v, m, err := protoScalar(f.Type, typ, b)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", desc.Name, f.Name, err)
			}
			b = b[m:]
			obj[f.Name] = append(list, v)

		default:
			v, m, err := protoScalar(f.Type, typ, b)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", desc.Name, f.Name, err)
			}
			b = b[m:]
			obj[f.Name] = v
		}
	}

	return obj, nil
}

// scalarWireType is the wire type a scalar type is encoded with.
func scalarWireType(typ string) protowire.Type {
	switch strings.ToLower(typ) {
	case typedesc.TypeBool, typedesc.TypeInt32, typedesc.TypeInt64,
		typedesc.TypeUint32, typedesc.TypeUint64:
		return protowire.VarintType
	case typedesc.TypeDouble:
		return protowire.Fixed64Type
	case typedesc.TypeFloat:
		return protowire.Fixed32Type
	default:
		return protowire.BytesType
	}
}

func packable(typ string) bool {
	return scalarWireType(typ) != protowire.BytesType
}

// protoScalar consumes one scalar value of the declared type. It returns the
// value and the number of bytes consumed.
func protoScalar(typ string, wt protowire.Type, b []byte) (any, int, error) {
	typ = strings.ToLower(typ)
	if typ == typedesc.TypeDateTime || typ == typedesc.TypeDate {
		return protoTime(wt, b)
	}

	if want := scalarWireType(typ); wt != want {
		return nil, 0, fmt.Errorf("wire type %d, want %d for %s", wt, want, typ)
	}

	switch wt {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		switch typ {
		case typedesc.TypeBool:
			return protowire.DecodeBool(v), n, nil
		case typedesc.TypeInt32:
			return int64(int32(v)), n, nil
		case typedesc.TypeInt64:
			return int64(v), n, nil
		case typedesc.TypeUint32:
			return uint64(uint32(v)), n, nil
		default:
			return v, n, nil
		}

	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return math.Float64frombits(v), n, nil

	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return float64(math.Float32frombits(v)), n, nil

	default:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		if typ == typedesc.TypeGUID && len(v) == 16 && !utf8.Valid(v) {
			id, err := uuid.FromBytes(v)
			if err != nil {
				return nil, 0, err
			}
			return id.String(), n, nil
		}
		if !utf8.Valid(v) {
			return nil, 0, errors.New("string field is not valid UTF-8")
		}
		return string(v), n, nil
	}
}

func protoTime(wt protowire.Type, b []byte) (any, int, error) {
	switch wt {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return time.Unix(int64(v), 0).UTC(), n, nil

	case protowire.BytesType:
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		var secs, nanos int64
		for len(msg) > 0 {
			num, typ, m := protowire.ConsumeTag(msg)
			if m < 0 {
				return nil, 0, protowire.ParseError(m)
			}
			msg = msg[m:]
			if typ != protowire.VarintType {
				return nil, 0, fmt.Errorf("timestamp field %d wire type %d", num, typ)
			}
			v, m := protowire.ConsumeVarint(msg)
			if m < 0 {
				return nil, 0, protowire.ParseError(m)
			}
			msg = msg[m:]
			switch num {
			case 1:
				secs = int64(v)
			case 2:
				nanos = int64(int32(v))
			}
		}
		return time.Unix(secs, nanos).UTC(), n, nil

	default:
		return nil, 0, fmt.Errorf("wire type %d cannot hold a date", wt)
	}
}
