package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/blobconv/internal/blobstore"
	"github.com/JonMunkholm/blobconv/internal/codec"
	"github.com/JonMunkholm/blobconv/internal/config"
	"github.com/JonMunkholm/blobconv/internal/core"
	"github.com/JonMunkholm/blobconv/internal/flatten"
	"github.com/JonMunkholm/blobconv/internal/framing"
	"github.com/JonMunkholm/blobconv/internal/logging"
	"github.com/JonMunkholm/blobconv/internal/schema"
	"github.com/JonMunkholm/blobconv/internal/typedesc"
	"github.com/JonMunkholm/blobconv/internal/web"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	once := flag.Bool("once", false, "run a single conversion pass and exit")
	flag.Parse()

	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	closeLogs := logging.SetupWithSeq(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.SeqURL)

	code := run(cfg, *once)
	closeLogs()
	os.Exit(code)
}

func run(cfg *config.Config, once bool) int {
	slog.Info("configuration loaded", "config", cfg.String(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open stores
	input, err := blobstore.Open(ctx, cfg.Input.Connection, cfg.Input.Container)
	if err != nil {
		slog.Error("failed to open input store", "error", err)
		return 1
	}
	defer input.Close()

	output, err := blobstore.Open(ctx, cfg.Output.Connection, cfg.Output.Container)
	if err != nil {
		slog.Error("failed to open output store", "error", err)
		return 1
	}
	defer output.Close()

	// Load type descriptors
	registry, err := typedesc.LoadSource(ctx, cfg.Converter.DescriptorSource, input)
	if err != nil {
		slog.Error("failed to load type descriptors", "source", cfg.Converter.DescriptorSource, "error", err)
		return 1
	}
	slog.Info("type descriptors loaded", "types", registry.Count())

	service, err := newService(input, output, registry, cfg)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		return 1
	}

	// Fail fast on a schema that cannot be derived
	structure, err := service.Prepare(ctx)
	if err != nil {
		slog.Error("failed to derive table schema", "error", err, "code", core.MapError(err).Code)
		return 1
	}
	slog.Info("table schema derived", "root", structure.Root, "tables", len(structure.Tables))

	if once {
		sum, err := service.Run(core.ContextWithTrigger(ctx, core.TriggerManual))
		if err != nil {
			slog.Error(core.FormatUserError(err))
			return 1
		}
		slog.Info("conversion finished", "blobs", sum.Blobs, "rows", sum.Rows, "mode", sum.Mode)
		return 0
	}

	// Start scheduler
	schedCfg := core.SchedulerConfig{
		Period:     cfg.Converter.ScanPeriod,
		RunOnStart: cfg.Converter.RunOnStart,
	}
	if cfg.Converter.WatchInput {
		if local, ok := input.(interface{ Dir() string }); ok && local.Dir() != "" {
			schedCfg.WatchDir = local.Dir()
		} else {
			slog.Warn("WATCH_INPUT needs a file:// input store, watching disabled")
		}
	}
	scheduler, err := core.NewScheduler(service, schedCfg)
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		return 1
	}
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		return 1
	}

	var server *web.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		server = web.NewServer(service, cfg, version)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// Graceful shutdown
	exit := 0
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		exit = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler did not stop in time", "error", err)
	}

	// Manual passes are not owned by the scheduler
	if service.Running().Running {
		slog.Info("waiting for conversion pass to finish")
		if err := service.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("conversion pass did not finish in time", "error", err)
		}
	}
	return exit
}

// newService wires the converter settings into a core.Service.
func newService(input, output blobstore.Store, provider typedesc.Provider, cfg *config.Config) (*core.Service, error) {
	mode, err := codec.ParseMessageMode(cfg.Converter.MessageMode)
	if err != nil {
		return nil, err
	}
	nullIDs, err := flatten.ParseNullIDPolicy(cfg.Converter.NullIDPolicy)
	if err != nil {
		return nil, err
	}

	var exclude []string
	if name, ok := typedesc.BlobName(cfg.Converter.DescriptorSource); ok {
		exclude = append(exclude, name)
	}

	return core.NewService(input, output, provider, core.Config{
		RootType: cfg.Converter.ProcessingType,
		Prefix:   cfg.Input.Prefix,
		Exclude:  exclude,
		Schema: schema.Options{
			ExcludedFields:  cfg.Schema.ExcludedFields(),
			IDFields:        cfg.Schema.IDFields(),
			RelationFields:  cfg.Schema.RelationFields(),
			InstanceTag:     cfg.Converter.InstanceTag,
			StrictRelations: cfg.Converter.StrictRelations,
		},
		MessageMode:   mode,
		NullIDs:       nullIDs,
		SkipCorrupted: cfg.Converter.SkipCorrupted,
		Framing: framing.Options{
			BufferSize:    cfg.Converter.BufferSize,
			MaxCandidates: cfg.Converter.MaxCandidates,
			GzipRetries:   cfg.Converter.GzipRetries,
		},
		FlushRows:    cfg.Converter.FlushRows,
		MaxBlockSize: cfg.Converter.MaxBlockSize,
		HistorySize:  cfg.Converter.HistorySize,
		QueueWait:    10 * time.Minute,
	})
}
