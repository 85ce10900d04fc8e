package framing

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// frameOverhead is the length header, length trailer and delimiter around a
// length-prefixed payload.
const frameOverhead = 4 + 4 + 4

// consumeFrames reads length-prefixed frames until more data is needed or
// a frame fails validation, which switches the blob to legacy scanning.
func (d *Decoder) consumeFrames(h Handler) error {
	for d.newFormat {
		avail := d.n - d.start
		if avail < 4 {
			if d.eof && avail > 0 {
				d.fallback("incomplete length header")
			}
			return nil
		}

		header := binary.LittleEndian.Uint32(d.buf[d.start:])
		length := int64(int32(header))
		if length < 0 {
			d.fallback(fmt.Sprintf("negative length %d", length))
			return nil
		}
		total := length + frameOverhead
		if d.blob.Size > 0 && d.offset(d.start)+total > d.blob.Size {
			d.fallback(fmt.Sprintf("length %d runs past end of blob", length))
			return nil
		}
		if int64(avail) < total {
			if d.eof {
				d.fallback(fmt.Sprintf("length %d runs past end of data", length))
			}
			return nil
		}

		end := d.start + 4 + int(length)
		trailer := binary.LittleEndian.Uint32(d.buf[end:])
		if trailer != header {
			d.fallback(fmt.Sprintf("length header %d does not match trailer %d", header, trailer))
			return nil
		}
		if !bytes.Equal(d.buf[end+4:end+8], Delimiter) {
			d.fallback("missing delimiter after frame")
			return nil
		}

		chunk := d.buf[d.start+4 : end]
		frameOffset := d.offset(d.start)
		d.start = end + 8
		d.scan = d.start

		payload, ok := d.unpack(chunk)
		if err := d.gzipResult(ok); err != nil {
			return err
		}
		if !ok {
			d.stats.Skipped++
			d.log.Warn("skipping frame that failed to decompress", "offset", frameOffset, "length", length)
			continue
		}

		accepted, err := h.HandleFrame(payload)
		if err != nil {
			return err
		}
		if !accepted {
			d.stats.Skipped++
			d.log.Warn("skipping frame that failed to deserialize", "offset", frameOffset, "length", length)
			continue
		}
		d.stats.Frames++
	}
	return nil
}

// fallback permanently switches the blob to legacy scanning.
func (d *Decoder) fallback(reason string) {
	d.newFormat = false
	d.scan = d.start
	d.stats.Fallbacks++
	d.log.Warn("length-prefixed framing broken, falling back to delimiter scanning",
		"offset", d.offset(d.start),
		"reason", reason,
	)
}

// consumeLegacy resolves delimiter-separated payloads in the filled region.
//
// Every delimiter found is a candidate end of the current payload. The
// region before it is offered starting at the last confirmed boundary and
// then at each earlier unresolved delimiter, in ascending order. The first
// accepted start wins and clears all candidates; bytes skipped before it are
// dropped as corrupt. When nothing is accepted the delimiter itself becomes
// a candidate start.
func (d *Decoder) consumeLegacy(h Handler) error {
	for {
		e := d.nextDelimiter()
		if e < 0 {
			return nil
		}
		end := e - 3

		if end == d.start {
			// empty payload between adjacent delimiters
			d.start = e + 1
			continue
		}

		accepted, err := d.resolve(h, end)
		if err != nil {
			return err
		}
		if accepted {
			d.start = e + 1
			d.candidates = d.candidates[:0]
			continue
		}

		d.candidates = append(d.candidates, e+1)
		if len(d.candidates) > d.opts.MaxCandidates {
			return fmt.Errorf("%w: %s: %d unresolved delimiters after offset %d",
				ErrUnrecoverableFraming, d.blob.Name, len(d.candidates), d.offset(d.start))
		}
	}
}

// resolve tries every candidate start for a payload ending at end.
func (d *Decoder) resolve(h Handler, end int) (bool, error) {
	decompressed := false
	tried := false

	for i := -1; i < len(d.candidates); i++ {
		s := d.start
		if i >= 0 {
			s = d.candidates[i]
		}
		if s >= end {
			continue
		}
		tried = true

		payload, ok := d.unpack(d.buf[s:end])
		if !ok {
			continue
		}
		decompressed = true

		accepted, err := h.HandleFrame(payload)
		if err != nil {
			return false, err
		}
		if !accepted {
			continue
		}

		if s > d.start {
			d.stats.Skipped++
			d.log.Warn("dropping undecodable bytes before payload",
				"offset", d.offset(d.start),
				"bytes", s-d.start,
			)
		}
		d.stats.Frames++
		return true, d.gzipResult(true)
	}

	if tried && d.compressed {
		if err := d.gzipResult(decompressed); err != nil {
			return false, err
		}
	}
	return false, nil
}

// nextDelimiter returns the index of the last byte of the next delimiter at
// or after the scan position, or -1 when the filled region has none. Windows
// are skipped Horspool style on the byte under the window's last position.
func (d *Decoder) nextDelimiter() int {
	i := d.scan
	if first := d.start + len(Delimiter) - 1; i < first {
		i = first
	}

	for i < d.n {
		if d.buf[i] == '\n' && d.buf[i-1] == '\r' && d.buf[i-2] == '\n' && d.buf[i-3] == '\r' {
			d.scan = i + 1
			return i
		}
		switch d.buf[i] {
		case '\r':
			i++
		case '\n':
			i += 2
		default:
			i += 4
		}
	}

	d.scan = i
	return -1
}
