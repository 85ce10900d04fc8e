// Package core provides the conversion orchestrator.
//
// This package is the heart of the converter, containing the checkpoint
// state machine independent of any transport layer. It can be driven by the
// scheduler, the HTTP API, the one-shot CLI mode or tests without
// modification.
//
// # Architecture
//
// A [Service] owns one input store (append blobs) and one output store
// (table outputs plus converter state). Each pass:
//
//  1. Derives the table schema from the root type's descriptors
//  2. Compares it with the structure persisted by the previous pass
//  3. Lists the source blobs to convert, never including the newest one
//  4. Converts the blobs one at a time, committing each before the next
//
// # Modes
//
// An incremental pass converts the blobs sorting after the checkpoint. When
// the derived structure differs from the persisted one, the new structure is
// saved and a full reprocess converts every blob again. A reprocess cursor
// records its progress so an interrupted reprocess resumes where it stopped.
//
// # Per-Blob Pipeline
//
// The framing decoder yields candidate payloads; a payload is accepted when
// it deserializes as the root type. Accepted messages are flattened into
// rows, buffered per table and staged as blocks. Only when the whole blob
// has been read are the outputs committed and the checkpoint advanced, so a
// failed blob is retried from scratch and overwrites its outputs.
//
// # Error Handling
//
// Blob failures are returned as a [BlobError] carrying the blob name.
// Technical errors are mapped to coded messages using [MapError]:
//
//   - CFG001-CFG003: Schema configuration errors
//   - BLB001-BLB002: Unreadable blobs
//   - MSG001-MSG002: Message errors
//   - IO001-IO003: Storage errors
//   - RUN001-RUN002: Run control
package core
