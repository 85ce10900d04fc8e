package sink

import "context"

// DefaultFlushRows is the buffered row count that triggers a flush.
const DefaultFlushRows = 1_000_000

// RowBuffer collects output lines per table folder until the flush
// threshold is reached.
type RowBuffer struct {
	limit int
	lines map[string][]string
	order []string
	count int
}

// NewRowBuffer returns a buffer flushing at limit rows.
func NewRowBuffer(limit int) *RowBuffer {
	if limit <= 0 {
		limit = DefaultFlushRows
	}
	return &RowBuffer{limit: limit, lines: make(map[string][]string)}
}

// Add buffers a line for folder and reports whether the buffer is full.
func (b *RowBuffer) Add(folder, line string) bool {
	if _, ok := b.lines[folder]; !ok {
		b.order = append(b.order, folder)
	}
	b.lines[folder] = append(b.lines[folder], line)
	b.count++
	return b.count >= b.limit
}

// Len returns the number of buffered rows.
func (b *RowBuffer) Len() int {
	return b.count
}

// Flush hands the buffered lines to w in first-seen folder order and
// empties the buffer.
func (b *RowBuffer) Flush(ctx context.Context, w *Writer, sourceBlob string) error {
	for _, folder := range b.order {
		if err := w.Save(ctx, folder, sourceBlob, b.lines[folder]); err != nil {
			return err
		}
	}
	b.Reset()
	return nil
}

// Reset drops all buffered lines.
func (b *RowBuffer) Reset() {
	b.lines = make(map[string][]string)
	b.order = b.order[:0]
	b.count = 0
}
