// Package codec deserializes message payloads into descriptor-shaped values.
//
// Three serialization formats are understood: JSON, MessagePack and a
// protobuf encoding keyed by descriptor field numbers. A Decoder is created
// per source blob; the first payload it decodes successfully fixes the format
// for the rest of that blob.
//
// Decoded objects are typedesc.Object maps keyed by descriptor field names.
// Scalars are normalized to string, bool, int64, uint64, float64,
// json.Number or time.Time; collections to []any.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/blobconv/internal/typedesc"
)

// ErrUnsupportedPayload is returned when no format can decode a payload.
var ErrUnsupportedPayload = errors.New("payload does not match any serialization format")

// Format is a serialization format.
type Format int

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatMessagePack
	FormatProtobuf
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMessagePack:
		return "messagepack"
	case FormatProtobuf:
		return "protobuf"
	default:
		return "unknown"
	}
}

// MessageMode is the shape of the root value of every payload.
type MessageMode int

const (
	// ModeSingle payloads hold one root object.
	ModeSingle MessageMode = iota
	// ModeList payloads hold a list of root objects.
	ModeList
	// ModeArray payloads hold an array of root objects. It decodes the same
	// way as ModeList.
	ModeArray
)

func (m MessageMode) String() string {
	switch m {
	case ModeList:
		return "list"
	case ModeArray:
		return "array"
	default:
		return "single"
	}
}

// ParseMessageMode parses "single", "list" or "array".
func ParseMessageMode(s string) (MessageMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single":
		return ModeSingle, nil
	case "list":
		return ModeList, nil
	case "array":
		return ModeArray, nil
	default:
		return ModeSingle, fmt.Errorf("unknown message mode %q", s)
	}
}

// Types maps type names to descriptors for every type reachable from the
// root.
type Types map[string]*typedesc.Descriptor

type formatDecoder func(d *Decoder, payload []byte) (any, error)

// detectionOrder is the priority used until a blob's format is known.
var detectionOrder = []struct {
	format Format
	decode formatDecoder
}{
	{FormatJSON, (*Decoder).decodeJSON},
	{FormatMessagePack, (*Decoder).decodeMessagePack},
	{FormatProtobuf, (*Decoder).decodeProtobuf},
}

// Decoder decodes the payloads of one blob.
type Decoder struct {
	types  Types
	root   *typedesc.Descriptor
	mode   MessageMode
	format Format

	// lowercase field name -> field, per type
	names map[string]map[string]typedesc.Field
}

// NewDecoder returns a decoder for payloads whose root type is root.
func NewDecoder(types Types, root string, mode MessageMode) (*Decoder, error) {
	desc, ok := types[root]
	if !ok {
		return nil, fmt.Errorf("%w: %s", typedesc.ErrUnknownType, root)
	}
	names := make(map[string]map[string]typedesc.Field, len(types))
	for name, d := range types {
		m := make(map[string]typedesc.Field, len(d.Fields))
		for _, f := range d.Fields {
			m[strings.ToLower(f.Name)] = f
		}
		names[name] = m
	}
	return &Decoder{types: types, root: desc, mode: mode, names: names}, nil
}

// Format returns the format fixed by the first successful decode, or
// FormatUnknown.
func (d *Decoder) Format() Format {
	return d.format
}

// Decode deserializes one payload. In ModeSingle the result is a
// typedesc.Object, otherwise a []any of objects.
func (d *Decoder) Decode(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnsupportedPayload)
	}

	if d.format != FormatUnknown {
		for _, c := range detectionOrder {
			if c.format == d.format {
				v, err := c.decode(d, payload)
				if err != nil {
					return nil, fmt.Errorf("decode %s: %w", d.format, err)
				}
				return v, nil
			}
		}
	}

	var errs []string
	for _, c := range detectionOrder {
		v, err := c.decode(d, payload)
		if err == nil {
			d.format = c.format
			return v, nil
		}
		errs = append(errs, c.format.String()+": "+err.Error())
	}
	return nil, fmt.Errorf("%w (%s)", ErrUnsupportedPayload, strings.Join(errs, "; "))
}

func (d *Decoder) descriptor(name string) (*typedesc.Descriptor, error) {
	desc, ok := d.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", typedesc.ErrUnknownType, name)
	}
	return desc, nil
}
