package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := context.Background()
	ctx = log.WithRequestID(ctx, "req-123")
	ctx = log.WithLedgerID(ctx, "ledger-9")

	log.Error(ctx, "boom", errors.New("boom"))

	if !bytes.Contains(buf.Bytes(), []byte("\"request_id\"")) {
		t.Fatalf("expected request_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("\"ledger_id\":\"ledger-9\"")) {
		t.Fatalf("expected ledger_id to be preserved; entry=%s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("\"stack\"")) {
		t.Fatalf("expected stack trace on error; entry=%s", buf.String())
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf, WarnStack: true})
	log.Warn(context.Background(), "warny")
	if !bytes.Contains(buf.Bytes(), []byte("\"stack\"")) {
		t.Fatalf("expected stack when warn stack enabled")
	}

	buf.Reset()
	quiet := New(Options{ServiceName: "test", Output: buf})
	quiet.Warn(context.Background(), "warny")
	if bytes.Contains(buf.Bytes(), []byte("\"stack\"")) {
		t.Fatalf("did not expect stack when warn stack disabled")
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})
	log.Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug entry to be dropped, got %s", buf.String())
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel(" WARN "); lvl != zerolog.WarnLevel {
		t.Fatalf("expected warn, got %v", lvl)
	}
}

func TestConsoleFormatIsNotJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf, Format: "console"})
	ctx := log.WithEventID(log.WithOperation(context.Background(), "edit_expense"), "evt-1")
	log.Info(ctx, "applied")
	if bytes.HasPrefix(bytes.TrimSpace(buf.Bytes()), []byte("{")) {
		t.Fatalf("expected console output, got %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("evt-1")) || !bytes.Contains(buf.Bytes(), []byte("edit_expense")) {
		t.Fatalf("expected event and operation fields, got %s", buf.String())
	}
}

func TestWithFieldsDoesNotLeakIntoParentContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	parent := log.WithLedgerID(context.Background(), "ledger-1")
	child := log.WithFields(parent, map[string]any{"b": 2, "a": 1})

	log.Info(child, "child")
	if !bytes.Contains(buf.Bytes(), []byte(`"a":1,"b":2`)) {
		t.Fatalf("expected sorted fields, got %s", buf.String())
	}

	buf.Reset()
	log.Info(parent, "parent")
	if bytes.Contains(buf.Bytes(), []byte(`"a":1`)) {
		t.Fatalf("child fields leaked into parent: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"ledger_id":"ledger-1"`)) {
		t.Fatalf("expected parent field, got %s", buf.String())
	}
}
