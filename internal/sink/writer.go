package sink

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"

	"github.com/JonMunkholm/blobconv/internal/blobstore"
)

// DefaultMaxBlockSize caps the size of one staged block.
const DefaultMaxBlockSize = 100 << 20

// BlockID returns the id of the block at index i.
func BlockID(i int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%06d", i)))
}

// WriterOptions tunes a Writer.
type WriterOptions struct {
	MaxBlockSize int
	Logger       *slog.Logger
}

// output is one table output for the current source blob.
type output struct {
	name    string
	blocks  []string
	pending bytes.Buffer
	rows    int
}

// Writer stages table rows for one source blob at a time. It is not safe for
// concurrent use.
type Writer struct {
	store    Store
	state    *State
	maxBlock int
	log      *slog.Logger

	outputs map[string]*output
}

// NewWriter returns a Writer that advances the checkpoint kept in state.
func NewWriter(store Store, state *State, opts WriterOptions) *Writer {
	if opts.MaxBlockSize <= 0 {
		opts.MaxBlockSize = DefaultMaxBlockSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		store:    store,
		state:    state,
		maxBlock: opts.MaxBlockSize,
		log:      log,
		outputs:  make(map[string]*output),
	}
}

// OutputName returns the output blob of a table folder for a source blob.
func OutputName(folder, sourceBlob string) string {
	return folder + "/" + sourceBlob
}

// StartBlob discards any state left from a previous blob.
func (w *Writer) StartBlob() {
	w.outputs = make(map[string]*output)
}

// Save stages lines for a table folder. The first save for an output in the
// current blob discards blocks a previous attempt staged. The committed
// output stays readable until FinishBlob replaces it.
func (w *Writer) Save(ctx context.Context, folder, sourceBlob string, lines []string) error {
	name := OutputName(folder, sourceBlob)

	out, ok := w.outputs[name]
	if !ok {
		if err := w.store.DiscardBlocks(ctx, name); err != nil {
			return fmt.Errorf("reset output %s: %w", name, err)
		}
		out = &output{name: name}
		w.outputs[name] = out
	}

	for _, line := range lines {
		if out.pending.Len() > 0 && out.pending.Len()+len(line)+1 > w.maxBlock {
			if err := w.putBlock(ctx, out); err != nil {
				return err
			}
		}
		out.pending.WriteString(line)
		out.pending.WriteByte('\n')
		out.rows++
	}
	return nil
}

func (w *Writer) putBlock(ctx context.Context, out *output) error {
	id := BlockID(len(out.blocks))
	if err := w.store.PutBlock(ctx, out.name, id, out.pending.Bytes()); err != nil {
		return fmt.Errorf("stage block %d of %s: %w", len(out.blocks), out.name, err)
	}
	out.blocks = append(out.blocks, id)
	out.pending.Reset()
	return nil
}

// FinishBlob commits every output touched by the current blob, then
// advances the checkpoint to sourceBlob. It returns the number of rows
// committed.
func (w *Writer) FinishBlob(ctx context.Context, sourceBlob string) (int, error) {
	names := make([]string, 0, len(w.outputs))
	for name := range w.outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := 0
	for _, name := range names {
		out := w.outputs[name]
		if out.pending.Len() > 0 {
			if err := w.putBlock(ctx, out); err != nil {
				return 0, err
			}
		}
		if err := w.store.CommitBlockList(ctx, out.name, out.blocks, blobstore.ContentTypeText); err != nil {
			return 0, fmt.Errorf("commit %s: %w", out.name, err)
		}
		rows += out.rows
		w.log.Debug("output committed", "output", out.name, "blocks", len(out.blocks), "rows", out.rows)
	}

	moved, err := w.state.Advance(ctx, sourceBlob)
	if err != nil {
		return 0, err
	}
	if !moved {
		w.log.Debug("checkpoint kept", "blob", sourceBlob)
	}

	w.StartBlob()
	return rows, nil
}
