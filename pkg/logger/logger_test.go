package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"info":    InfoLevel,
		"warn":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLevelString(t *testing.T) {
	if DebugLevel.String() != "debug" || ErrorLevel.String() != "error" {
		t.Fatal("unexpected level string")
	}
	if Level(42).String() != "unknown" {
		t.Fatal("expected unknown for out-of-range level")
	}
}

func TestSlogLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	levelVar := &slog.LevelVar{}
	l := &SlogLogger{
		logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: levelVar})),
		level:  levelVar,
	}

	l.Info("saga started", "saga_id", "s-1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
	if record["saga_id"] != "s-1" {
		t.Fatalf("missing saga_id attribute: %v", record)
	}
}

func TestSetLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	levelVar := &slog.LevelVar{}
	l := &SlogLogger{
		logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelVar})),
		level:  levelVar,
	}

	l.SetLevel(ErrorLevel)
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info record to be filtered, got %q", buf.String())
	}

	l.Error("kept")
	if buf.Len() == 0 {
		t.Fatal("expected error record to pass the filter")
	}
}

func TestWithAttachesAttributes(t *testing.T) {
	var buf bytes.Buffer
	levelVar := &slog.LevelVar{}
	l := &SlogLogger{
		logger: slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: levelVar})),
		level:  levelVar,
	}

	child := l.With("component", "orchestrator")
	child.Info("step dispatched")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not json: %v", err)
	}
	if record["component"] != "orchestrator" {
		t.Fatalf("expected component attribute, got %v", record)
	}
}
