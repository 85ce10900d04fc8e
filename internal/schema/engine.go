package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/blobconv/internal/typedesc"
)

var (
	// ErrSchemaConflict is returned when a type appears more than once in
	// the type graph.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrUnresolvedRelation is returned when a child table has no id to
	// relate to its materialized non-root ancestor and strict relations are
	// enabled.
	ErrUnresolvedRelation = errors.New("unresolved relation")
)

// DefaultIDField is the field name treated as a type's own id.
const DefaultIDField = "Id"

// Options tunes schema derivation. All maps are keyed by type name.
type Options struct {
	// ExcludedFields lists fields dropped from a type before partitioning.
	ExcludedFields map[string][]string

	// IDFields overrides the id field name of a type.
	IDFields map[string]string

	// RelationFields names the field used to relate children when no id
	// can be resolved for a type.
	RelationFields map[string]string

	// InstanceTag is appended to every table name.
	InstanceTag string

	// StrictRelations turns an unresolved relation into an error instead of
	// a warning that drops the relation column.
	StrictRelations bool

	Logger *slog.Logger
}

// Identity is how a type resolves the id handed to its children.
type Identity int

const (
	IdentityNone Identity = iota
	IdentityOwn
	IdentityBorrowed
	IdentityInherited
	IdentityRelation
)

func (i Identity) String() string {
	switch i {
	case IdentityOwn:
		return "own"
	case IdentityBorrowed:
		return "borrowed"
	case IdentityInherited:
		return "inherited"
	case IdentityRelation:
		return "relation"
	default:
		return "none"
	}
}

// ColumnSource says where a column's value comes from.
type ColumnSource int

const (
	SourceValue ColumnSource = iota
	SourceParentID
	SourceOwnID
	SourceBorrowedID
)

// Column is a planned output column.
type Column struct {
	Name   string
	Type   string
	Source ColumnSource

	// Field is set for SourceValue and SourceOwnID columns.
	Field typedesc.Field
}

// Plan is the flattening recipe for one type.
type Plan struct {
	Type       string
	Descriptor *typedesc.Descriptor

	// Table is empty when the type has no value fields and is not
	// materialized.
	Table   string
	Folder  string
	Columns []Column

	Identity Identity

	// Fallback is the identity used for the child the id is borrowed from,
	// which cannot relate to itself. Only set for IdentityBorrowed.
	Fallback Identity

	// IDField is the own id field.
	IDField string

	// BorrowField is the single nested field providing the id.
	BorrowField string

	// RelationField is the configured relation field, if any.
	RelationField string

	OneChildren  []typedesc.Field
	ManyChildren []typedesc.Field
}

// Materialized reports whether the type has its own table.
func (p *Plan) Materialized() bool {
	return p.Table != ""
}

// Result is the output of Build.
type Result struct {
	Root      string
	Structure TablesStructure
	Plans     map[string]*Plan
}

// Plan returns the plan for a type.
func (r *Result) Plan(typeName string) (*Plan, bool) {
	p, ok := r.Plans[typeName]
	return p, ok
}

// node is the analysis of one type, before parent context is known.
type node struct {
	desc     *typedesc.Descriptor
	values   []typedesc.Field
	ownID    *typedesc.Field
	relation *typedesc.Field
	one      []typedesc.Field
	many     []typedesc.Field
	children map[string]*node

	borrow   string
	resolves bool
	idType   string
}

// layoutCtx is the identity context handed from a type to its children.
type layoutCtx struct {
	prefix    string
	hasID     bool
	idColumn  string
	idType    string
	relatesTo string

	// relatesRoot is set when relatesTo is the root table.
	relatesRoot bool
}

type builder struct {
	provider typedesc.Provider
	root     string
	opts     Options
	log      *slog.Logger
	visited  map[string]bool
	plans    map[string]*Plan
	tables   []TableSchema
}

// Build derives the tables and flattening plans for root.
func Build(ctx context.Context, provider typedesc.Provider, root string, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &builder{
		provider: provider,
		root:     root,
		opts:     opts,
		log:      log,
		visited:  make(map[string]bool),
		plans:    make(map[string]*Plan),
	}

	n, err := b.analyze(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := b.layout(n, layoutCtx{}); err != nil {
		return nil, err
	}

	return &Result{
		Root: root,
		Structure: TablesStructure{
			Version: StructureVersion,
			Root:    root,
			Tables:  b.tables,
		},
		Plans: b.plans,
	}, nil
}

// analyze partitions a type's fields and resolves its own or borrowed id.
func (b *builder) analyze(ctx context.Context, typeName string) (*node, error) {
	if b.visited[typeName] {
		return nil, fmt.Errorf("%w: type %s appears more than once in the type graph", ErrSchemaConflict, typeName)
	}
	b.visited[typeName] = true

	desc, err := b.provider.Describe(ctx, typeName)
	if err != nil {
		return nil, fmt.Errorf("describe type %s: %w", typeName, err)
	}

	excluded := make(map[string]bool)
	for _, name := range b.opts.ExcludedFields[typeName] {
		excluded[name] = true
	}

	idName := DefaultIDField
	if override := b.opts.IDFields[typeName]; override != "" {
		idName = override
		if f, ok := desc.Field(override); !ok || f.Kind != typedesc.KindScalar {
			return nil, fmt.Errorf("type %s: id field %s is not a scalar field", typeName, override)
		}
	}

	n := &node{desc: desc, children: make(map[string]*node)}
	for _, f := range desc.Fields {
		if excluded[f.Name] {
			continue
		}
		switch f.Kind {
		case typedesc.KindObject:
			n.one = append(n.one, f)
		case typedesc.KindObjectList:
			n.many = append(n.many, f)
		default:
			if n.ownID == nil && f.Name == idName && f.Kind == typedesc.KindScalar {
				f := f
				n.ownID = &f
				continue
			}
			n.values = append(n.values, f)
		}
	}

	if rel := b.opts.RelationFields[typeName]; rel != "" {
		for i := range n.values {
			if n.values[i].Name == rel {
				n.relation = &n.values[i]
			}
		}
		if n.relation == nil && (n.ownID == nil || n.ownID.Name != rel) {
			return nil, fmt.Errorf("type %s: relation field %s is not a value field", typeName, rel)
		}
	}

	for _, f := range n.one {
		child, err := b.analyze(ctx, f.Type)
		if err != nil {
			return nil, err
		}
		n.children[f.Name] = child
	}
	for _, f := range n.many {
		child, err := b.analyze(ctx, f.Type)
		if err != nil {
			return nil, err
		}
		n.children[f.Name] = child
	}

	if n.ownID != nil {
		n.resolves = true
		n.idType = n.ownID.Type
		return n, nil
	}

	// Borrow only from a sole nested object.
	if len(n.one) == 1 {
		if only := n.children[n.one[0].Name]; only.resolves {
			n.borrow = n.one[0].Name
			n.resolves = true
			n.idType = only.idType
		}
	} else if len(n.one) > 1 {
		b.log.Debug("several nested objects, no id borrowed",
			"type", typeName,
			"fields", fieldNames(n.one),
		)
	}

	return n, nil
}

// layout assigns table names and columns top-down and records plans.
func (b *builder) layout(n *node, pc layoutCtx) error {
	typeName := n.desc.Name
	materialized := len(n.values) > 0 || n.ownID != nil

	plan := &Plan{
		Type:         typeName,
		Descriptor:   n.desc,
		OneChildren:  n.one,
		ManyChildren: n.many,
	}
	if n.relation != nil {
		plan.RelationField = n.relation.Name
	}

	// a level without a table keeps its parent's naming prefix
	ownPrefix := pc.prefix
	if materialized {
		ownPrefix = typeName
	}

	// base is the context without own or borrowed id
	base := layoutCtx{prefix: ownPrefix}
	baseIdentity := IdentityNone
	switch {
	case pc.hasID:
		base.hasID, base.idColumn, base.idType = true, pc.idColumn, pc.idType
		baseIdentity = IdentityInherited
	case n.relation != nil:
		base.hasID, base.idColumn, base.idType = true, n.relation.Name, n.relation.Type
		baseIdentity = IdentityRelation
	}

	out := base
	switch {
	case n.ownID != nil:
		plan.Identity = IdentityOwn
		plan.IDField = n.ownID.Name
		out = layoutCtx{prefix: typeName, hasID: true, idColumn: typeName + DefaultIDField, idType: n.ownID.Type}
	case n.borrow != "":
		plan.Identity = IdentityBorrowed
		plan.Fallback = baseIdentity
		plan.BorrowField = n.borrow
		anchor := n.children[n.borrow].desc.Name
		out = layoutCtx{prefix: anchor, hasID: true, idColumn: anchor + DefaultIDField, idType: n.idType}
	default:
		plan.Identity = baseIdentity
	}

	if materialized {
		plan.Table = pc.prefix + typeName + b.opts.InstanceTag
		plan.Folder = strings.ToLower(typeName)

		cols, err := b.columns(n, plan, pc)
		if err != nil {
			return err
		}
		plan.Columns = cols

		table := TableSchema{Name: plan.Table, Folder: plan.Folder}
		for _, c := range cols {
			table.Columns = append(table.Columns, ColumnDefinition{Name: c.Name, Type: c.Type})
		}
		b.tables = append(b.tables, table)
	}

	b.plans[typeName] = plan

	relatesTo, relatesRoot := pc.relatesTo, pc.relatesRoot
	if materialized {
		relatesTo, relatesRoot = plan.Table, typeName == b.root
	}
	base.relatesTo, base.relatesRoot = relatesTo, relatesRoot
	out.relatesTo, out.relatesRoot = relatesTo, relatesRoot

	for _, f := range n.one {
		childCtx := out
		if f.Name == n.borrow {
			// the parent row already points at this child through the borrowed id
			childCtx = base
			childCtx.relatesTo, childCtx.relatesRoot = "", false
		}
		if err := b.layout(n.children[f.Name], childCtx); err != nil {
			return err
		}
	}
	for _, f := range n.many {
		if err := b.layout(n.children[f.Name], out); err != nil {
			return err
		}
	}
	return nil
}

// columns orders a materialized type's columns: parent id, own or borrowed
// id, then value fields in declaration order.
func (b *builder) columns(n *node, plan *Plan, pc layoutCtx) ([]Column, error) {
	declared := make(map[string]bool, len(n.values)+1)
	for _, f := range n.values {
		declared[f.Name] = true
	}
	if n.ownID != nil {
		declared[n.ownID.Name] = true
	}

	var cols []Column
	switch {
	case pc.hasID:
		if !declared[pc.idColumn] {
			cols = append(cols, Column{Name: pc.idColumn, Type: pc.idType, Source: SourceParentID})
		}
	case pc.relatesTo != "" && pc.relatesRoot:
		b.log.Debug("root has no id, table emitted without relation column",
			"table", plan.Table,
			"root", pc.relatesTo,
		)
	case pc.relatesTo != "":
		if b.opts.StrictRelations {
			return nil, fmt.Errorf("%w: table %s has no id to relate to %s", ErrUnresolvedRelation, plan.Table, pc.relatesTo)
		}
		b.log.Warn("no id available to relate table to its parent, relation column dropped",
			"table", plan.Table,
			"parent", pc.relatesTo,
		)
	}

	switch plan.Identity {
	case IdentityOwn:
		cols = append(cols, Column{Name: n.ownID.Name, Type: n.ownID.Type, Source: SourceOwnID, Field: *n.ownID})
	case IdentityBorrowed:
		name := n.children[n.borrow].desc.Name + DefaultIDField
		if !declared[name] && !hasColumn(cols, name) {
			cols = append(cols, Column{Name: name, Type: n.idType, Source: SourceBorrowedID})
		}
	}

	for _, f := range n.values {
		cols = append(cols, Column{Name: f.Name, Type: f.ColumnType(), Source: SourceValue, Field: f})
	}
	return cols, nil
}

func fieldNames(fields []typedesc.Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return strings.Join(names, ",")
}

func hasColumn(cols []Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}
