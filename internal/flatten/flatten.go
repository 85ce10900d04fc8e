// Package flatten decomposes decoded messages into table rows.
//
// A Flattener walks a message with the plans produced by the schema engine,
// in the same order the engine laid the tables out, so every row has exactly
// the arity of its table. Rows of one message are returned together; a
// message that fails contributes no rows at all.
package flatten

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/blobconv/internal/schema"
	"github.com/JonMunkholm/blobconv/internal/typedesc"
)

// ErrNullID is returned when an id column has no value and the null id
// policy is NullIDError.
var ErrNullID = errors.New("null id")

// NullIDPolicy controls how a missing id value is treated.
type NullIDPolicy int

const (
	NullIDError NullIDPolicy = iota
	NullIDWarn
)

func (p NullIDPolicy) String() string {
	if p == NullIDWarn {
		return "warn"
	}
	return "error"
}

// ParseNullIDPolicy parses "error" or "warn". Empty means error.
func ParseNullIDPolicy(s string) (NullIDPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "error":
		return NullIDError, nil
	case "warn", "warning":
		return NullIDWarn, nil
	default:
		return NullIDError, fmt.Errorf("invalid null id policy %q (want error or warn)", s)
	}
}

// Row is the ordered field values of one table row.
type Row []string

// String renders the row as an output line without the line terminator.
func (r Row) String() string {
	return strings.Join(r, ",")
}

// Emission is a row produced for a table.
type Emission struct {
	Table  string
	Folder string
	Row    Row
}

// Options tunes a Flattener.
type Options struct {
	NullIDs NullIDPolicy
	Logger  *slog.Logger
}

// Flattener turns decoded messages into rows. It is safe for concurrent use;
// plans are read-only after the schema engine returns them.
type Flattener struct {
	result *schema.Result
	root   *schema.Plan
	opts   Options
	log    *slog.Logger
}

// New returns a Flattener for the plans in result.
func New(result *schema.Result, opts Options) (*Flattener, error) {
	root, ok := result.Plan(result.Root)
	if !ok {
		return nil, fmt.Errorf("no plan for root type %s", result.Root)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Flattener{result: result, root: root, opts: opts, log: log}, nil
}

// identity is a resolved id handed from an instance to its children.
type identity struct {
	ok    bool
	value any
}

// Flatten decomposes one decoded message. msg is a root object, or a list of
// root objects for list and array message modes.
func (f *Flattener) Flatten(msg any) ([]Emission, error) {
	var out []Emission

	switch v := msg.(type) {
	case typedesc.Object:
		if err := f.walk(f.root, v, identity{}, &out); err != nil {
			return nil, err
		}
	case []any:
		for i, elem := range v {
			obj, ok := elem.(typedesc.Object)
			if !ok {
				if elem == nil {
					continue
				}
				return nil, fmt.Errorf("element %d of message list is %T, want object", i, elem)
			}
			if err := f.walk(f.root, obj, identity{}, &out); err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
		}
	case nil:
		return nil, errors.New("empty message")
	default:
		return nil, fmt.Errorf("message is %T, want object or list", msg)
	}

	return out, nil
}

func (f *Flattener) walk(p *schema.Plan, obj typedesc.Object, in identity, out *[]Emission) error {
	if p.Descriptor.Validate != nil && !p.Descriptor.Validate(obj) {
		f.log.Warn("instance failed validation", "type", p.Type)
	}

	base := identity{}
	switch {
	case in.ok:
		base = in
	case p.RelationField != "":
		base = identity{ok: true, value: obj[p.RelationField]}
	}

	own := base
	switch p.Identity {
	case schema.IdentityOwn:
		own = identity{ok: true, value: obj[p.IDField]}
	case schema.IdentityBorrowed:
		v, err := f.borrowed(p, obj)
		if err != nil {
			return err
		}
		own = identity{ok: true, value: v}
	}

	if p.Materialized() {
		row, err := f.row(p, obj, in, own)
		if err != nil {
			return err
		}
		*out = append(*out, Emission{Table: p.Table, Folder: p.Folder, Row: row})
	}

	for _, field := range p.OneChildren {
		child, err := f.child(p, field, obj[field.Name])
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		ctx := own
		if field.Name == p.BorrowField {
			ctx = base
		}
		if err := f.walk(f.plan(field.Type), child, ctx, out); err != nil {
			return err
		}
	}

	for _, field := range p.ManyChildren {
		raw := obj[field.Name]
		if raw == nil {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("%s.%s is %T, want list", p.Type, field.Name, raw)
		}
		for i, elem := range list {
			child, err := f.child(p, field, elem)
			if err != nil {
				return fmt.Errorf("%s.%s[%d]: %w", p.Type, field.Name, i, err)
			}
			if child == nil {
				continue
			}
			if err := f.walk(f.plan(field.Type), child, own, out); err != nil {
				return err
			}
		}
	}

	return nil
}

func (f *Flattener) row(p *schema.Plan, obj typedesc.Object, in, own identity) (Row, error) {
	row := make(Row, len(p.Columns))
	for i, col := range p.Columns {
		var (
			s   string
			err error
		)
		switch col.Source {
		case schema.SourceParentID:
			s, err = f.id(p, col, in.value)
		case schema.SourceOwnID:
			s, err = f.id(p, col, obj[col.Field.Name])
		case schema.SourceBorrowedID:
			s, err = f.id(p, col, own.value)
		default:
			s, err = FormatValue(obj[col.Field.Name], col.Field)
			if err != nil {
				err = fmt.Errorf("%s.%s: %w", p.Type, col.Name, err)
			}
		}
		if err != nil {
			return nil, err
		}
		row[i] = s
	}
	return row, nil
}

// id renders an id column, applying the null id policy.
func (f *Flattener) id(p *schema.Plan, col schema.Column, v any) (string, error) {
	if v == nil {
		if f.opts.NullIDs == NullIDError {
			return "", fmt.Errorf("%w: table %s column %s", ErrNullID, p.Table, col.Name)
		}
		f.log.Warn("null id written as empty value", "table", p.Table, "column", col.Name)
		return "", nil
	}
	return formatScalar(v, col.Type)
}

// borrowed resolves the id a type borrows from its single nested child.
func (f *Flattener) borrowed(p *schema.Plan, obj typedesc.Object) (any, error) {
	field, _ := p.Descriptor.Field(p.BorrowField)
	child, err := f.child(p, field, obj[p.BorrowField])
	if err != nil || child == nil {
		return nil, err
	}

	cp := f.plan(field.Type)
	switch cp.Identity {
	case schema.IdentityOwn:
		return child[cp.IDField], nil
	case schema.IdentityBorrowed:
		return f.borrowed(cp, child)
	default:
		return nil, nil
	}
}

func (f *Flattener) child(p *schema.Plan, field typedesc.Field, v any) (typedesc.Object, error) {
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(typedesc.Object)
	if !ok {
		return nil, fmt.Errorf("%s.%s is %T, want object", p.Type, field.Name, v)
	}
	return obj, nil
}

func (f *Flattener) plan(typeName string) *schema.Plan {
	return f.result.Plans[typeName]
}
