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

package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestVersion(t *testing.T) {
	data := versionString
	if data == "" {
		t.Fatal("version string is empty")
	}
	if !strings.Contains(data, "+") {
		t.Errorf("version %q missing build metadata", data)
	}
}

func TestFlagDefaults(t *testing.T) {
	c := NewCommand(WithStreams(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}))
	if err := c.ParseFlags([]string{}); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		flag string
		want string
	}{
		{"address", "127.0.0.1"},
		{"port", "5000"},
		{"replay-buffer-size", "1024"},
		{"task-sweep-interval", "30s"},
		{"stdio", "false"},
		{"disable-reload", "false"},
	}
	for _, tc := range testCases {
		got, err := c.Flags().GetString(tc.flag)
		if err != nil {
			// non-string flags stringify through the flag value
			f := c.Flags().Lookup(tc.flag)
			if f == nil {
				t.Errorf("flag %q not registered", tc.flag)
				continue
			}
			got = f.Value.String()
		}
		if got != tc.want {
			t.Errorf("flag %q = %q, want %q", tc.flag, got, tc.want)
		}
	}
}

func TestFlagParsing(t *testing.T) {
	c := NewCommand(WithStreams(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}))
	args := []string{
		"--address", "0.0.0.0",
		"--port", "8080",
		"--stdio",
		"--replay-buffer-size", "64",
		"--task-sweep-interval", "5s",
		"--log-level", "DEBUG",
		"--logging-format", "json",
	}
	if err := c.ParseFlags(args); err != nil {
		t.Fatal(err)
	}
	if c.cfg.Address != "0.0.0.0" || c.cfg.Port != 8080 {
		t.Errorf("addr = %s:%d", c.cfg.Address, c.cfg.Port)
	}
	if !c.cfg.Stdio {
		t.Error("stdio flag not applied")
	}
	if c.cfg.ReplayBufferSize != 64 {
		t.Errorf("replay buffer = %d", c.cfg.ReplayBufferSize)
	}
	if c.cfg.TaskSweepInterval != 5*time.Second {
		t.Errorf("sweep interval = %s", c.cfg.TaskSweepInterval)
	}
	if c.cfg.LogLevel.String() != "debug" {
		t.Errorf("log level = %s", c.cfg.LogLevel.String())
	}
	if c.cfg.LoggingFormat.String() != "json" {
		t.Errorf("logging format = %s", c.cfg.LoggingFormat.String())
	}
}

func TestParseEnv(t *testing.T) {
	t.Setenv("MCPD_TEST_VALUE", "resolved")
	got := parseEnv("uri: ${MCPD_TEST_VALUE}/x and ${MCPD_TEST_MISSING}")
	if !strings.Contains(got, "resolved/x") {
		t.Errorf("substitution failed: %q", got)
	}
	if !strings.Contains(got, "${MCPD_TEST_MISSING}") {
		t.Errorf("missing variable must be preserved: %q", got)
	}
}

func TestParseRegistryFile(t *testing.T) {
	raw := []byte(`
resources:
  greeting:
    uri: "test://greeting"
    text: "hi"
`)
	file, err := parseRegistryFile(context.Background(), raw)
	if err != nil {
		t.Fatalf("parseRegistryFile: %v", err)
	}
	if file.Resources["greeting"].URI != "test://greeting" {
		t.Errorf("parsed = %+v", file)
	}

	if _, err := parseRegistryFile(context.Background(), []byte("resources: {bad: {unknownField: 1}}")); err == nil {
		t.Error("strict parsing must reject unknown fields")
	}
}
