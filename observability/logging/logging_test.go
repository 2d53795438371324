package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestHandlerFieldNames(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf))
	logger.Warn("escrow held", "payment", "p-1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["severity"] != "WARN" {
		t.Fatalf("severity = %v, want WARN", line["severity"])
	}
	if line["message"] != "escrow held" {
		t.Fatalf("message = %v", line["message"])
	}
	if line["payment"] != "p-1" {
		t.Fatalf("payment = %v", line["payment"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatal("no timestamp field")
	}
	if _, ok := line["level"]; ok {
		t.Fatal("raw level field leaked through")
	}
}

func TestWriterForRotation(t *testing.T) {
	if w := writerFor(Options{}); w != os.Stdout {
		t.Fatalf("zero options should log to stdout, got %T", w)
	}
	w := writerFor(Options{File: filepath.Join(t.TempDir(), "paymentd.log"), MaxSizeMB: 1})
	if w == os.Stdout {
		t.Fatal("file option ignored")
	}
}
