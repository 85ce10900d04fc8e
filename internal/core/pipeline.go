package core

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/blobconv/internal/codec"
	"github.com/JonMunkholm/blobconv/internal/flatten"
	"github.com/JonMunkholm/blobconv/internal/framing"
	"github.com/JonMunkholm/blobconv/internal/logging"
	"github.com/JonMunkholm/blobconv/internal/sink"
)

// conversion holds what one pass shares across its blobs.
type conversion struct {
	types     codec.Types
	root      string
	flattener *flatten.Flattener
	writer    *sink.Writer
	rows      *sink.RowBuffer
}

// convertBlob decodes, flattens and commits one source blob. Outputs become
// visible and the checkpoint moves only when it returns nil.
func (s *Service) convertBlob(ctx context.Context, name string, c *conversion) (blobStats, error) {
	var st blobStats
	log := logging.WithFields(ctx, "blob", name)

	info, err := s.input.Attributes(ctx, name)
	if err != nil {
		return st, fmt.Errorf("read attributes: %w", err)
	}

	// The serialization format is detected per blob.
	dec, err := codec.NewDecoder(c.types, c.root, s.cfg.MessageMode)
	if err != nil {
		return st, err
	}

	c.writer.StartBlob()
	c.rows.Reset()

	opts := s.cfg.Framing
	opts.Logger = log
	frames := framing.NewDecoder(s.input, framing.Blob{
		Name:     name,
		Size:     info.Size,
		Metadata: info.Metadata,
	}, opts)

	handler := framing.HandlerFunc(func(payload []byte) (bool, error) {
		msg, err := dec.Decode(payload)
		if err != nil {
			return false, nil
		}
		st.messages++

		emissions, err := c.flattener.Flatten(msg)
		if err != nil {
			if s.cfg.SkipCorrupted {
				st.skipped++
				log.Warn("skipping message", "message", st.messages, "error", err)
				return true, nil
			}
			return true, fmt.Errorf("message %d: %w", st.messages, err)
		}

		full := false
		for _, e := range emissions {
			if c.rows.Add(e.Folder, e.Row.String()) {
				full = true
			}
		}
		if full {
			log.Debug("flushing buffered rows", "rows", c.rows.Len())
			if err := c.rows.Flush(ctx, c.writer, name); err != nil {
				return true, err
			}
		}
		return true, nil
	})

	if err := frames.Decode(ctx, handler); err != nil {
		return st, err
	}
	fs := frames.Stats()
	st.skipped += fs.Skipped

	if err := c.rows.Flush(ctx, c.writer, name); err != nil {
		return st, err
	}
	rows, err := c.writer.FinishBlob(ctx, name)
	if err != nil {
		return st, err
	}
	st.rows = rows

	log.Info("blob converted",
		"format", dec.Format(),
		"messages", st.messages,
		"rows", rows,
		"skipped", st.skipped,
		"bytes", fs.BytesRead,
		"fallbacks", fs.Fallbacks,
	)
	return st, nil
}
