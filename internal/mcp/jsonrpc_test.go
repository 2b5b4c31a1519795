package mcp

import (
	"encoding/json"
	"testing"
)

func TestRequestOmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewRequest(1, "tools/list", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["params"]; ok {
		t.Error("params should be omitted when nil")
	}
	if m["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", m["jsonrpc"])
	}
}

func TestResponseUnmarshalError(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp.Error == nil {
		t.Fatal("Error is nil, want non-nil")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
	if resp.Result != nil {
		t.Errorf("Result = %s, want nil", resp.Result)
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: CodeInvalidRequest, Message: "Invalid Request"}
	want := "jsonrpc error -32600: Invalid Request"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestInboundSkipsServerRequests(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"method":"roots/list"}`
	var msg inbound
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Method != "roots/list" {
		t.Errorf("Method = %q, want %q", msg.Method, "roots/list")
	}
	if msg.ID != 1 {
		t.Errorf("ID = %d, want 1", msg.ID)
	}
}
