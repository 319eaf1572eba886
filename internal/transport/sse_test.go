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

package transport

import (
	"bytes"
	"strings"
	"testing"
)

func TestSSERoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := []event{
		{id: 1, name: "message", data: []byte(`{"jsonrpc":"2.0","method":"a"}`)},
		{id: 2, name: "message", data: []byte(`{"jsonrpc":"2.0","method":"b"}`)},
	}
	for _, evt := range in {
		if _, err := writeEvent(&buf, evt); err != nil {
			t.Fatalf("writeEvent: %v", err)
		}
	}
	if err := writeKeepAlive(&buf); err != nil {
		t.Fatalf("writeKeepAlive: %v", err)
	}

	var got []event
	err := scanEvents(&buf, func(evt event) error {
		got = append(got, evt)
		return nil
	})
	if err != nil {
		t.Fatalf("scanEvents: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("scanned %d events, want %d (keepalive must be skipped)", len(got), len(in))
	}
	for i := range in {
		if got[i].id != in[i].id || got[i].name != in[i].name || !bytes.Equal(got[i].data, in[i].data) {
			t.Errorf("event %d = %+v, want %+v", i, got[i], in[i])
		}
	}
}

func TestScanEventsMultilineData(t *testing.T) {
	raw := "id: 5\ndata: line one\ndata: line two\n\n"
	var got []event
	if err := scanEvents(strings.NewReader(raw), func(evt event) error {
		got = append(got, evt)
		return nil
	}); err != nil {
		t.Fatalf("scanEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("scanned %d events, want 1", len(got))
	}
	if string(got[0].data) != "line one\nline two" {
		t.Errorf("data = %q", got[0].data)
	}
	if got[0].id != 5 {
		t.Errorf("id = %d, want 5", got[0].id)
	}
}
