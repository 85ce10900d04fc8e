package framing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// Encoder writes payloads in either wire format. It produces fixtures and
// replays for the decoder.
type Encoder struct {
	w          io.Writer
	newFormat  bool
	compressed bool
	gz         *gzip.Writer
	zbuf       bytes.Buffer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer, newFormat, compressed bool) *Encoder {
	return &Encoder{w: w, newFormat: newFormat, compressed: compressed}
}

// Metadata returns the blob metadata describing the encoder's output.
func (e *Encoder) Metadata() map[string]string {
	return map[string]string{
		MetaCompressed: strconv.FormatBool(e.compressed),
		MetaNewFormat:  strconv.FormatBool(e.newFormat),
	}
}

// WriteFrame writes one payload.
func (e *Encoder) WriteFrame(payload []byte) error {
	if e.compressed {
		e.zbuf.Reset()
		if e.gz == nil {
			e.gz = gzip.NewWriter(&e.zbuf)
		} else {
			e.gz.Reset(&e.zbuf)
		}
		if _, err := e.gz.Write(payload); err != nil {
			return fmt.Errorf("compress frame: %w", err)
		}
		if err := e.gz.Close(); err != nil {
			return fmt.Errorf("compress frame: %w", err)
		}
		payload = e.zbuf.Bytes()
	}

	var frame []byte
	if e.newFormat {
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(payload)))
		frame = make([]byte, 0, len(payload)+frameOverhead)
		frame = append(frame, n[:]...)
		frame = append(frame, payload...)
		frame = append(frame, n[:]...)
	} else {
		frame = make([]byte, 0, len(payload)+len(Delimiter))
		frame = append(frame, payload...)
	}
	frame = append(frame, Delimiter...)

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
