// Copyright 2025 Altimeter Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSeverityToLevel(t *testing.T) {
	testCases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	}
	for _, tc := range testCases {
		got, err := SeverityToLevel(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("SeverityToLevel(%q) = (%v, %v), want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := SeverityToLevel("chatty"); err == nil {
		t.Error("invalid severity accepted")
	}
}

func TestStdLoggerSplitsStreams(t *testing.T) {
	var out, errW bytes.Buffer
	logger, err := NewStdLogger(&out, &errW, "DEBUG")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	logger.InfoContext(ctx, "hello", "k", "v")
	logger.ErrorContext(ctx, "boom")

	if !strings.Contains(out.String(), `"hello"`) || !strings.Contains(out.String(), `k="v"`) {
		t.Errorf("out = %q", out.String())
	}
	if strings.Contains(out.String(), "boom") {
		t.Error("error message leaked to the out stream")
	}
	if !strings.Contains(errW.String(), `"boom"`) {
		t.Errorf("err = %q", errW.String())
	}
}

func TestStdLoggerRespectsLevel(t *testing.T) {
	var out, errW bytes.Buffer
	logger, err := NewStdLogger(&out, &errW, "WARN")
	if err != nil {
		t.Fatal(err)
	}
	logger.DebugContext(context.Background(), "quiet")
	logger.InfoContext(context.Background(), "also quiet")
	if out.Len() != 0 {
		t.Errorf("messages below threshold written: %q", out.String())
	}
}

func TestStructuredLoggerFields(t *testing.T) {
	var out, errW bytes.Buffer
	logger, err := NewStructuredLogger(&out, &errW, "INFO")
	if err != nil {
		t.Fatal(err)
	}
	logger.InfoContext(context.Background(), "structured", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(out.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, out.String())
	}
	if entry["message"] != "structured" {
		t.Errorf("message field = %v", entry["message"])
	}
	if entry["severity"] != "INFO" {
		t.Errorf("severity field = %v", entry["severity"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
	if entry["key"] != "value" {
		t.Errorf("attr = %v", entry["key"])
	}
}
