package typedesc

// document.go loads descriptors from YAML documents.
//
// A document lists every type reachable from the root type:
//
//	types:
//	  - name: Order
//	    required: [Id]
//	    fields:
//	      - {name: Id, type: string}
//	      - {name: Date, type: datetime}
//	      - {name: Tags, type: string, list: true}
//	      - {name: Items, type: Item, list: true}
//	  - name: Item
//	    fields:
//	      - {name: Name, type: string}
//
// A field whose type names another type in the document is a nested object
// (or a collection of objects when list is set). Everything else must be a
// known scalar type.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BlobPrefix marks a descriptor source stored in the input blob store.
const BlobPrefix = "blob:"

type document struct {
	Types []typeDoc `yaml:"types"`
}

type typeDoc struct {
	Name     string     `yaml:"name"`
	Required []string   `yaml:"required"`
	Fields   []fieldDoc `yaml:"fields"`
}

type fieldDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	List bool   `yaml:"list"`
	Tag  int    `yaml:"tag"`
}

// Load parses a YAML descriptor document into a new Registry.
func Load(r io.Reader) (*Registry, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse descriptor document: %w", err)
	}
	if len(doc.Types) == 0 {
		return nil, fmt.Errorf("descriptor document declares no types")
	}

	declared := make(map[string]bool, len(doc.Types))
	for _, td := range doc.Types {
		if td.Name == "" {
			return nil, fmt.Errorf("descriptor document: type with empty name")
		}
		if declared[td.Name] {
			return nil, fmt.Errorf("descriptor document: type %s declared twice", td.Name)
		}
		declared[td.Name] = true
	}

	reg := NewRegistry()
	for _, td := range doc.Types {
		d := &Descriptor{Name: td.Name, Fields: make([]Field, 0, len(td.Fields))}
		for i, fd := range td.Fields {
			f := Field{Name: fd.Name, Type: fd.Type, Tag: fd.Tag}
			if f.Tag == 0 {
				f.Tag = i + 1
			}
			switch {
			case declared[fd.Type] && fd.List:
				f.Kind = KindObjectList
			case declared[fd.Type]:
				f.Kind = KindObject
			case !IsScalarType(fd.Type):
				return nil, fmt.Errorf("type %s field %s: unknown type %q", td.Name, fd.Name, fd.Type)
			case fd.List:
				f.Type = strings.ToLower(fd.Type)
				f.Kind = KindScalarList
			case IsDateType(fd.Type):
				f.Type = strings.ToLower(fd.Type)
				f.Kind = KindDate
			default:
				f.Type = strings.ToLower(fd.Type)
				f.Kind = KindScalar
			}
			d.Fields = append(d.Fields, f)
		}
		if err := d.Check(); err != nil {
			return nil, err
		}
		for _, name := range td.Required {
			if _, ok := d.Field(name); !ok {
				return nil, fmt.Errorf("type %s: required field %s is not declared", td.Name, name)
			}
		}
		if len(td.Required) > 0 {
			d.Validate = RequireFields(td.Required...)
		}
		reg.Register(d)
	}

	return reg, nil
}

// LoadFile parses the descriptor document at path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open descriptor file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// BlobReader reads a whole object from blob storage.
type BlobReader interface {
	ReadFull(ctx context.Context, name string) ([]byte, error)
}

// BlobName returns the blob name of a "blob:" descriptor source reference.
func BlobName(ref string) (string, bool) {
	return strings.CutPrefix(ref, BlobPrefix)
}

// LoadSource resolves a descriptor source reference. References starting
// with "blob:" are read through blobs; anything else is a file path.
func LoadSource(ctx context.Context, ref string, blobs BlobReader) (*Registry, error) {
	if name, ok := BlobName(ref); ok {
		if blobs == nil {
			return nil, fmt.Errorf("descriptor source %q needs a blob store", ref)
		}
		data, err := blobs.ReadFull(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read descriptor blob %s: %w", name, err)
		}
		return Load(bytes.NewReader(data))
	}
	return LoadFile(ref)
}

// RequireFields returns a validity predicate that fails when any of the
// named fields is missing or null.
func RequireFields(names ...string) func(Object) bool {
	return func(obj Object) bool {
		for _, n := range names {
			if v, ok := obj[n]; !ok || v == nil {
				return false
			}
		}
		return true
	}
}
