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

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeMessage(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want Message
	}{
		{
			name: "request with number id",
			in:   `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`,
			want: &Request{Jsonrpc: "2.0", ID: NumberID(1), Method: "tools/list", Params: json.RawMessage(`{}`)},
		},
		{
			name: "request with string id",
			in:   `{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
			want: &Request{Jsonrpc: "2.0", ID: StringID("abc"), Method: "ping"},
		},
		{
			name: "notification",
			in:   `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want: &Notification{Jsonrpc: "2.0", Method: "notifications/initialized"},
		},
		{
			name: "response",
			in:   `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`,
			want: &Response{Jsonrpc: "2.0", ID: NumberID(7), Result: json.RawMessage(`{"ok":true}`)},
		},
		{
			name: "error response",
			in:   `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`,
			want: &ErrorResponse{Jsonrpc: "2.0", ID: NumberID(7), Error: &RPCError{Code: -32601, Message: "nope"}},
		},
		{
			name: "error response with null id",
			in:   `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"bad"}}`,
			want: &ErrorResponse{Jsonrpc: "2.0", Error: &RPCError{Code: -32700, Message: "bad"}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tc.in))
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmp.AllowUnexported(ID{})); diff != "" {
				t.Errorf("unexpected message (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	testCases := []struct {
		name     string
		in       string
		wantCode int
	}{
		{"invalid json", `{not json`, PARSE_ERROR},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, INVALID_REQUEST},
		{"missing version", `{"id":1,"method":"ping"}`, INVALID_REQUEST},
		{"no method no id", `{"jsonrpc":"2.0"}`, INVALID_REQUEST},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tc.in))
			if err == nil {
				t.Fatal("expected error")
			}
			wireErr, ok := err.(*WireError)
			if !ok {
				t.Fatalf("expected WireError, got %T", err)
			}
			if wireErr.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", wireErr.Code, tc.wantCode)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// decode∘encode must be the identity on all fields, including fields
	// this implementation does not model explicitly.
	inputs := []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"t","arguments":{"x":1.5},"_meta":{"progressToken":"p1","futureField":[1,2]}}}`,
		`{"jsonrpc":"2.0","id":"r-2","result":{"content":[{"type":"image","data":"aGVsbG8=","mimeType":"image/png"}],"unknown":"kept"}}`,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":3,"progress":0.5}}`,
	}
	for _, in := range inputs {
		msg, err := DecodeMessage([]byte(in))
		if err != nil {
			t.Fatalf("DecodeMessage(%s): %v", in, err)
		}
		out, err := EncodeMessage(msg)
		if err != nil {
			t.Fatalf("EncodeMessage: %v", err)
		}
		var want, got map[string]any
		if err := json.Unmarshal([]byte(in), &want); err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(out, &got); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip changed payload (-want +got):\n%s", diff)
		}
	}
}

func TestDecodeBatch(t *testing.T) {
	msgs, batch, err := DecodeBatch([]byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"}]`))
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if !batch {
		t.Error("expected batch=true")
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if _, ok := msgs[0].(*Request); !ok {
		t.Errorf("msgs[0] is %T, want *Request", msgs[0])
	}
	if _, ok := msgs[1].(*Notification); !ok {
		t.Errorf("msgs[1] is %T, want *Notification", msgs[1])
	}

	if _, _, err := DecodeBatch([]byte(`[]`)); err == nil {
		t.Error("empty batch should fail")
	}

	single, batch, err := DecodeBatch([]byte(`{"jsonrpc":"2.0","id":4,"method":"ping"}`))
	if err != nil || batch || len(single) != 1 {
		t.Errorf("single decode = (%v, %v, %v)", single, batch, err)
	}
}

func TestIDs(t *testing.T) {
	if NumberID(1) != NumberID(1) {
		t.Error("equal number ids must compare equal")
	}
	if NumberID(1) == StringID("1") {
		t.Error("number and string ids must differ")
	}
	var id ID
	if id.IsValid() {
		t.Error("zero id must be invalid")
	}
	if err := json.Unmarshal([]byte(`1.5`), &id); err == nil {
		t.Error("fractional id must fail")
	}
}

func TestRecoverID(t *testing.T) {
	if got := RecoverID([]byte(`{"id":42,"method":"x","params":`)); got.IsValid() {
		t.Errorf("unparseable input should not recover an id, got %s", got)
	}
	if got := RecoverID([]byte(`{"jsonrpc":"2.0","id":42,"method":"x","params":"oops"}`)); got != NumberID(42) {
		t.Errorf("RecoverID = %s, want 42", got)
	}
}
