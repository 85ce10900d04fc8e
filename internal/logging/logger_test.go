package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromContext_AddsCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = ContextWithRunID(ctx, "run-7")

	FromContext(ctx).Info("hello")

	out := buf.String()
	for _, want := range []string{"request_id=req-1", "run_id=run-7"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestMultiHandler_FansOutByLevel(t *testing.T) {
	var debug, warn bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	log := slog.New(h).With("component", "test")

	log.Debug("detail")
	log.Warn("problem")

	if !bytes.Contains(debug.Bytes(), []byte("detail")) || !bytes.Contains(debug.Bytes(), []byte("problem")) {
		t.Errorf("debug handler output = %q", debug.String())
	}
	if bytes.Contains(warn.Bytes(), []byte("detail")) {
		t.Errorf("warn handler received a debug record: %q", warn.String())
	}
	if !bytes.Contains(warn.Bytes(), []byte("component=test")) {
		t.Errorf("warn handler lost attributes: %q", warn.String())
	}
}

func TestSetupWithSeq_Disabled(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	closeFn := SetupWithSeq("info", "json", "")
	closeFn()
}
