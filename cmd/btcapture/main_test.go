package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/btcapture/recorder"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// The binary's own import graph must be enough to open the database file.
func TestStartupOpensDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "btcapture.db")
	t.Setenv("DB_PATH", path)
	t.Setenv("OPERATOR_PASSWORD", "bench-pass")
	t.Setenv("SESSION_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != path {
		t.Fatalf("db_path = %q, want %q", cfg.DBPath, path)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adapter, err := recorder.NewAdapter(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := recorder.New(context.Background(), cfg, adapter, recorder.WithLogger(logger))
	if err != nil {
		t.Fatalf("recorder.New: %v", err)
	}
	defer rec.Close()

	n, err := rec.CountCaptures(context.Background())
	if err != nil || n != 0 {
		t.Errorf("CountCaptures = %d, %v", n, err)
	}
}
