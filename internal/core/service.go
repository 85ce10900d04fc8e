package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/blobconv/internal/blobstore"
	"github.com/JonMunkholm/blobconv/internal/codec"
	"github.com/JonMunkholm/blobconv/internal/flatten"
	"github.com/JonMunkholm/blobconv/internal/framing"
	"github.com/JonMunkholm/blobconv/internal/logging"
	"github.com/JonMunkholm/blobconv/internal/schema"
	"github.com/JonMunkholm/blobconv/internal/sink"
	"github.com/JonMunkholm/blobconv/internal/typedesc"
	"github.com/google/uuid"
)

// Config tunes a Service.
type Config struct {
	// RootType is the type name of every message root.
	RootType string

	// Prefix limits the source blobs that are listed.
	Prefix string

	// Exclude names input blobs that are not source data, such as a
	// descriptor document kept in the input container.
	Exclude []string

	Schema        schema.Options
	MessageMode   codec.MessageMode
	NullIDs       flatten.NullIDPolicy
	SkipCorrupted bool
	Framing       framing.Options

	FlushRows    int
	MaxBlockSize int
	HistorySize  int

	// QueueWait bounds how long RunQueued waits for a running pass.
	QueueWait time.Duration
}

// Service runs conversion passes from an input store to an output store.
type Service struct {
	input    blobstore.Reader
	output   sink.Store
	provider typedesc.Provider
	cfg      Config

	guard   *RunGuard
	history *RunHistory

	mu        sync.RWMutex
	structure *schema.TablesStructure
}

// NewService creates a new Service instance.
func NewService(input blobstore.Reader, output sink.Store, provider typedesc.Provider, cfg Config) (*Service, error) {
	if input == nil || output == nil {
		return nil, errors.New("input and output stores are required")
	}
	if provider == nil {
		return nil, errors.New("type descriptor provider is required")
	}
	if cfg.RootType == "" {
		return nil, errors.New("root type is required")
	}

	return &Service{
		input:    input,
		output:   output,
		provider: provider,
		cfg:      cfg,
		guard:    NewRunGuard(cfg.QueueWait),
		history:  NewRunHistory(cfg.HistorySize),
	}, nil
}

// Prepare derives the table schema without converting anything. It surfaces
// configuration errors before the first pass.
func (s *Service) Prepare(ctx context.Context) (*schema.TablesStructure, error) {
	result, err := s.buildSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &result.Structure, nil
}

// Structure returns the table structure of the latest pass, deriving it when
// no pass has run yet.
func (s *Service) Structure(ctx context.Context) (*schema.TablesStructure, error) {
	s.mu.RLock()
	st := s.structure
	s.mu.RUnlock()
	if st != nil {
		return st, nil
	}
	return s.Prepare(ctx)
}

// Run performs one conversion pass. It returns ErrRunInProgress without
// doing anything when another pass of this Service is running.
func (s *Service) Run(ctx context.Context) (*RunSummary, error) {
	if !s.guard.TryAcquire() {
		return nil, ErrRunInProgress
	}
	defer s.guard.Release()
	return s.run(ctx)
}

// Start begins a pass in the background and returns once it holds the run
// slot. It returns ErrRunInProgress when another pass is running. ctx should
// outlive the caller's request.
func (s *Service) Start(ctx context.Context) (string, error) {
	if !s.guard.TryAcquire() {
		return "", ErrRunInProgress
	}
	id := uuid.New().String()
	go func() {
		defer s.guard.Release()
		s.runWithID(ctx, id)
	}()
	return id, nil
}

// RunQueued performs one conversion pass, waiting for a running pass to
// finish first.
func (s *Service) RunQueued(ctx context.Context) (*RunSummary, error) {
	if err := s.guard.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.guard.Release()
	return s.run(ctx)
}

// Running reports whether a pass is in progress.
func (s *Service) Running() RunGuardStatus {
	return s.guard.Status()
}

// History returns up to n recent run summaries, newest first.
func (s *Service) History(n int) []RunSummary {
	return s.history.Recent(n)
}

// LastRun returns the most recent run summary.
func (s *Service) LastRun() (RunSummary, bool) {
	return s.history.Last()
}

// WaitForDrain blocks until the running pass, if any, completes.
func (s *Service) WaitForDrain(ctx context.Context) error {
	return s.guard.WaitForDrain(ctx)
}

func (s *Service) run(ctx context.Context) (*RunSummary, error) {
	return s.runWithID(ctx, uuid.New().String())
}

func (s *Service) runWithID(ctx context.Context, id string) (*RunSummary, error) {
	sum := &RunSummary{
		ID:        id,
		Trigger:   TriggerFromContext(ctx),
		StartedAt: time.Now(),
	}
	ctx = logging.ContextWithRunID(ctx, sum.ID)
	log := logging.FromContext(ctx)

	err := s.execute(ctx, sum)

	sum.FinishedAt = time.Now()
	if ue := NewUserError(err); ue != nil {
		sum.Error = ue.Technical.Error()
		sum.ErrorCode = ue.User.Code
		sum.ErrorAction = ue.User.Action
		log.Error("conversion pass failed",
			"error", ue.Technical,
			"code", ue.User.Code,
			"blob", sum.FailedBlob,
			"blobs", sum.Blobs,
		)
	}
	s.history.Add(*sum)
	return sum, err
}

// execute is the checkpoint state machine: derive the schema, pick the mode,
// then convert the selected blobs one at a time.
func (s *Service) execute(ctx context.Context, sum *RunSummary) error {
	log := logging.FromContext(ctx)

	result, err := s.buildSchema(ctx)
	if err != nil {
		return err
	}
	flattener, err := flatten.New(result, flatten.Options{NullIDs: s.cfg.NullIDs, Logger: log})
	if err != nil {
		return fmt.Errorf("prepare flattener: %w", err)
	}

	state := sink.NewState(s.output)
	mode, after, err := s.selectMode(ctx, state, result, sum)
	if err != nil {
		return err
	}
	sum.Mode = mode

	blobs, err := s.listBlobs(ctx, after)
	if err != nil {
		return err
	}
	log.Info("conversion pass started",
		"mode", mode,
		"trigger", sum.Trigger,
		"after", after,
		"blobs", len(blobs),
	)

	conv := &conversion{
		types:     codecTypes(result),
		root:      result.Root,
		flattener: flattener,
		writer: sink.NewWriter(s.output, state, sink.WriterOptions{
			MaxBlockSize: s.cfg.MaxBlockSize,
			Logger:       log,
		}),
		rows: sink.NewRowBuffer(s.cfg.FlushRows),
	}

	for _, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return err
		}

		st, err := s.convertBlob(ctx, blob, conv)
		sum.Messages += st.messages
		sum.Skipped += st.skipped
		if err != nil {
			sum.FailedBlob = blob
			return &BlobError{Blob: blob, Err: err}
		}
		sum.Rows += st.rows
		sum.Blobs++

		if mode == ModeFullReprocess {
			if err := state.SetCursor(ctx, blob); err != nil {
				return err
			}
		}
	}

	if mode == ModeFullReprocess {
		if err := state.ClearCursor(ctx); err != nil {
			return err
		}
	}

	log.Info("conversion pass complete",
		"mode", mode,
		"blobs", sum.Blobs,
		"messages", sum.Messages,
		"rows", sum.Rows,
		"skipped", sum.Skipped,
		"duration", time.Since(sum.StartedAt),
	)
	return nil
}

// selectMode compares the derived structure with the persisted one. A change
// persists the new structure and starts a full reprocess; an unfinished full
// reprocess resumes after its cursor. Otherwise the pass is incremental from
// the checkpoint. It returns the mode and the blob to list after.
func (s *Service) selectMode(ctx context.Context, state *sink.State, result *schema.Result, sum *RunSummary) (Mode, string, error) {
	log := logging.FromContext(ctx)

	persisted, err := state.Structure(ctx)
	if err != nil {
		return "", "", err
	}

	if drift := result.Structure.Drift(persisted); drift != "" {
		log.Info("table structure changed, reprocessing all blobs", "reason", drift)

		// The cursor goes first so a crash before the structure is saved
		// is detected as drift again.
		if err := state.SetCursor(ctx, ""); err != nil {
			return "", "", err
		}
		if err := state.SaveStructure(ctx, &result.Structure); err != nil {
			return "", "", err
		}
		sum.Drift = drift
		return ModeFullReprocess, "", nil
	}

	cursor, ok, err := state.Cursor(ctx)
	if err != nil {
		return "", "", err
	}
	if ok {
		log.Info("resuming full reprocess", "cursor", cursor)
		return ModeFullReprocess, cursor, nil
	}

	checkpoint, err := state.Checkpoint(ctx)
	if err != nil {
		return "", "", err
	}
	return ModeIncremental, checkpoint, nil
}

// listBlobs returns the source blobs sorting after after. The newest blob is
// still being appended to and is never listed.
func (s *Service) listBlobs(ctx context.Context, after string) ([]string, error) {
	names, err := s.input.List(ctx, s.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list source blobs: %w", err)
	}
	names = slices.DeleteFunc(names, func(n string) bool {
		return slices.Contains(s.cfg.Exclude, n)
	})
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	names = names[:len(names)-1]

	i := sort.SearchStrings(names, after)
	if i < len(names) && names[i] == after {
		i++
	}
	return names[i:], nil
}

func (s *Service) buildSchema(ctx context.Context) (*schema.Result, error) {
	opts := s.cfg.Schema
	opts.Logger = logging.FromContext(ctx)

	result, err := schema.Build(ctx, typedesc.Cached(s.provider), s.cfg.RootType, opts)
	if err != nil {
		return nil, fmt.Errorf("build schema for %s: %w", s.cfg.RootType, err)
	}

	s.mu.Lock()
	s.structure = &result.Structure
	s.mu.Unlock()
	return result, nil
}

// codecTypes collects the descriptor of every type in the plan graph.
func codecTypes(result *schema.Result) codec.Types {
	types := make(codec.Types, len(result.Plans))
	for name, plan := range result.Plans {
		types[name] = plan.Descriptor
	}
	return types
}
