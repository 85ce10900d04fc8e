// Package framing extracts message payloads from append-only source blobs.
//
// Two wire formats exist. Legacy blobs separate payloads with a 4 byte
// delimiter that can also occur inside a payload, so every delimiter is only
// a candidate split point until a deserialization attempt confirms it.
// Length-prefixed blobs frame every payload as
//
//	int32-LE length | payload | int32-LE length | delimiter
//
// and fall back to legacy scanning for the rest of the blob as soon as a
// frame fails validation. Either format may gzip each payload separately.
package framing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultBufferSize is the initial working buffer size.
	DefaultBufferSize = 4 << 20

	// DefaultMaxCandidates bounds the unresolved split points carried while
	// scanning a legacy blob.
	DefaultMaxCandidates = 50
)

// Metadata keys on source blobs.
const (
	MetaCompressed = "compressed"
	MetaNewFormat  = "NewFormat"
)

// Delimiter separates payloads in both wire formats.
var Delimiter = []byte("\r\n\r\n")

var (
	// ErrUnrecoverableFraming is returned when no payload boundary can be
	// confirmed within the candidate bound.
	ErrUnrecoverableFraming = errors.New("unrecoverable framing")

	// ErrTruncatedBlob is returned when a blob ends inside a payload.
	ErrTruncatedBlob = errors.New("truncated blob")

	errDecoderUsed = errors.New("framing decoder already used")
)

// Source reads byte ranges of a blob. A short or empty result means the end
// of the blob was reached.
type Source interface {
	ReadRange(ctx context.Context, name string, offset, length int64) ([]byte, error)
}

// Handler receives payloads. It reports whether the payload deserialized;
// a rejected legacy candidate is kept and retried with more data. A non-nil
// error aborts decoding. The payload is only valid during the call.
type Handler interface {
	HandleFrame(payload []byte) (accepted bool, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(payload []byte) (bool, error)

// HandleFrame calls f.
func (f HandlerFunc) HandleFrame(payload []byte) (bool, error) {
	return f(payload)
}

// Blob identifies the blob to decode.
type Blob struct {
	Name     string
	Size     int64
	Metadata map[string]string
}

// Flags reads the compression and wire format flags from blob metadata.
// Keys are matched case-insensitively; unparsable values read as false.
func Flags(meta map[string]string) (compressed, newFormat bool) {
	for k, v := range meta {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		switch {
		case strings.EqualFold(k, MetaCompressed):
			compressed = b
		case strings.EqualFold(k, MetaNewFormat):
			newFormat = b
		}
	}
	return compressed, newFormat
}

// Options tunes a Decoder.
type Options struct {
	BufferSize    int
	MaxCandidates int

	// GzipRetries is the number of consecutive split points that may fail
	// decompression before the blob is abandoned.
	GzipRetries int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = DefaultMaxCandidates
	}
	if o.GzipRetries <= 0 {
		o.GzipRetries = o.MaxCandidates
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats summarizes a decode.
type Stats struct {
	Frames    int
	Skipped   int
	BytesRead int64
	Fallbacks int
	Grows     int
}

// Decoder streams the payloads of one blob. It is not restartable.
type Decoder struct {
	src        Source
	blob       Blob
	compressed bool
	newFormat  bool
	opts       Options
	log        *slog.Logger

	buf   []byte
	n     int   // filled length of buf
	start int   // first unconsumed byte
	scan  int   // next delimiter end position to examine
	pos   int64 // blob offset of buf[n]
	eof   bool
	used  bool

	// positions just after unresolved delimiters, ascending
	candidates   []int
	gzipFailures int
	gz           *gzip.Reader

	stats Stats
}

// NewDecoder returns a decoder for blob.
func NewDecoder(src Source, blob Blob, opts Options) *Decoder {
	opts = opts.withDefaults()
	compressed, newFormat := Flags(blob.Metadata)
	return &Decoder{
		src:        src,
		blob:       blob,
		compressed: compressed,
		newFormat:  newFormat,
		opts:       opts,
		log:        opts.Logger.With("blob", blob.Name),
	}
}

// Stats returns counters for the decode so far.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Decode reads the whole blob and hands every payload to h in order.
func (d *Decoder) Decode(ctx context.Context, h Handler) error {
	if d.used {
		return errDecoderUsed
	}
	d.used = true
	d.buf = make([]byte, d.opts.BufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !d.eof {
			if err := d.fill(ctx); err != nil {
				return err
			}
		}

		var err error
		if d.newFormat {
			err = d.consumeFrames(h)
		}
		if err == nil && !d.newFormat {
			err = d.consumeLegacy(h)
		}
		if err != nil {
			return err
		}

		if d.eof {
			if d.start < d.n {
				return fmt.Errorf("%w: %s has %d unconsumed bytes at offset %d",
					ErrTruncatedBlob, d.blob.Name, d.n-d.start, d.offset(d.start))
			}
			return nil
		}
	}
}

// offset converts a buffer index to a blob offset.
func (d *Decoder) offset(i int) int64 {
	return d.pos - int64(d.n-i)
}

// fill slides the unconsumed tail to the front, grows the buffer when the
// tail already fills it, and reads the next range.
func (d *Decoder) fill(ctx context.Context) error {
	if d.start > 0 {
		shift := d.start
		d.n = copy(d.buf, d.buf[d.start:d.n])
		d.start = 0
		d.scan -= shift
		if d.scan < 0 {
			d.scan = 0
		}
		for i := range d.candidates {
			d.candidates[i] -= shift
		}
	}
	if d.n == len(d.buf) {
		grown := make([]byte, 2*len(d.buf))
		copy(grown, d.buf[:d.n])
		d.buf = grown
		d.stats.Grows++
		d.log.Debug("framing buffer grown", "size", len(d.buf))
	}

	want := int64(len(d.buf) - d.n)
	if d.blob.Size > 0 && d.pos+want > d.blob.Size {
		want = d.blob.Size - d.pos
	}
	if want <= 0 {
		d.eof = true
		return nil
	}

	data, err := d.src.ReadRange(ctx, d.blob.Name, d.pos, want)
	if err != nil {
		return fmt.Errorf("read %s at offset %d: %w", d.blob.Name, d.pos, err)
	}
	copied := copy(d.buf[d.n:], data)
	d.n += copied
	d.pos += int64(copied)
	d.stats.BytesRead += int64(copied)

	if copied == 0 || (d.blob.Size > 0 && d.pos >= d.blob.Size) {
		d.eof = true
	}
	return nil
}

// unpack decompresses a candidate payload when the blob is compressed.
func (d *Decoder) unpack(chunk []byte) ([]byte, bool) {
	if !d.compressed {
		return chunk, true
	}

	var err error
	if d.gz == nil {
		d.gz, err = gzip.NewReader(bytes.NewReader(chunk))
	} else {
		err = d.gz.Reset(bytes.NewReader(chunk))
	}
	if err != nil {
		return nil, false
	}
	out, err := io.ReadAll(d.gz)
	if err != nil {
		return nil, false
	}
	return out, true
}

// gzipResult tracks consecutive decompression failures.
func (d *Decoder) gzipResult(ok bool) error {
	if ok {
		d.gzipFailures = 0
		return nil
	}
	d.gzipFailures++
	if d.gzipFailures > d.opts.GzipRetries {
		return fmt.Errorf("%w: %s: %d consecutive payloads failed to decompress near offset %d",
			ErrUnrecoverableFraming, d.blob.Name, d.gzipFailures, d.offset(d.start))
	}
	return nil
}
