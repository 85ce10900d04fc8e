// Package sink writes converted tables and the converter's persisted state to
// the output store.
//
// Each source blob produces one output per table at {folder}/{sourceBlob},
// staged as blocks and committed when the blob completes. The checkpoint,
// the schema descriptor, per-table header files and the full-reprocess
// cursor live next to the outputs.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/blobconv/internal/blobstore"
	"github.com/JonMunkholm/blobconv/internal/schema"
)

// Names of the state objects in the output store.
const (
	CheckpointBlob = "lastblob.txt"
	DescriptorBlob = "tables.str"
	ReprocessBlob  = "reprocess.txt"
	HeaderSuffix   = ".str"
)

// Store is the part of a blob store the sink needs.
type Store interface {
	ReadFull(ctx context.Context, name string) ([]byte, error)
	Overwrite(ctx context.Context, name string, data []byte, contentType string) error
	PutBlock(ctx context.Context, name, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, name string, blockIDs []string, contentType string) error
	DiscardBlocks(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// State reads and writes the converter's persisted state.
type State struct {
	store Store
}

// NewState returns a State over store.
func NewState(store Store) *State {
	return &State{store: store}
}

func (s *State) readText(ctx context.Context, name string) (string, error) {
	data, err := s.store.ReadFull(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *State) writeText(ctx context.Context, name, value string) error {
	if err := s.store.Overwrite(ctx, name, []byte(value), blobstore.ContentTypeText); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Checkpoint returns the last fully committed source blob, or "" when none.
func (s *State) Checkpoint(ctx context.Context) (string, error) {
	return s.readText(ctx, CheckpointBlob)
}

// Advance moves the checkpoint to blob when blob sorts after the current
// checkpoint. It reports whether the checkpoint moved.
func (s *State) Advance(ctx context.Context, blob string) (bool, error) {
	current, err := s.Checkpoint(ctx)
	if err != nil {
		return false, err
	}
	if blob <= current {
		return false, nil
	}
	if err := s.writeText(ctx, CheckpointBlob, blob); err != nil {
		return false, err
	}
	return true, nil
}

// Cursor returns the last blob completed by an unfinished full reprocess.
// ok is false when no full reprocess is pending.
func (s *State) Cursor(ctx context.Context) (cursor string, ok bool, err error) {
	data, err := s.store.ReadFull(ctx, ReprocessBlob)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", ReprocessBlob, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// SetCursor records progress of a full reprocess. An empty cursor marks a
// full reprocess that has not completed any blob.
func (s *State) SetCursor(ctx context.Context, blob string) error {
	return s.writeText(ctx, ReprocessBlob, blob)
}

// ClearCursor marks the full reprocess as complete.
func (s *State) ClearCursor(ctx context.Context) error {
	if err := s.store.Delete(ctx, ReprocessBlob); err != nil {
		return fmt.Errorf("delete %s: %w", ReprocessBlob, err)
	}
	return nil
}

// Structure returns the persisted tables structure, or nil when none was
// persisted yet.
func (s *State) Structure(ctx context.Context) (*schema.TablesStructure, error) {
	data, err := s.store.ReadFull(ctx, DescriptorBlob)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", DescriptorBlob, err)
	}
	st, err := schema.UnmarshalStructure(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", DescriptorBlob, err)
	}
	return st, nil
}

// SaveStructure persists the tables structure and rewrites the header file
// of every table.
func (s *State) SaveStructure(ctx context.Context, st *schema.TablesStructure) error {
	data, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("encode tables structure: %w", err)
	}
	if err := s.store.Overwrite(ctx, DescriptorBlob, data, "application/json"); err != nil {
		return fmt.Errorf("write %s: %w", DescriptorBlob, err)
	}
	for _, t := range st.Tables {
		if err := s.writeText(ctx, t.Name+HeaderSuffix, t.HeaderLine()); err != nil {
			return err
		}
	}
	return nil
}
