package rpc

import (
	"encoding/json"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		JSONRPC: "2.0",
		Method:  "connect",
		Params: map[string]interface{}{
			"public_ip":   "203.0.113.5",
			"public_port": float64(41000),
		},
		ID: float64(1),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Request
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Method != req.Method {
		t.Fatalf("method = %q, want %q", decoded.Method, req.Method)
	}
	if decoded.Params["public_ip"] != "203.0.113.5" {
		t.Fatalf("params[public_ip] = %v", decoded.Params["public_ip"])
	}
}

func TestResponseOmitsNilFields(t *testing.T) {
	resp := &Response{JSONRPC: "2.0", Result: StatusResult{Status: "on"}, ID: float64(1)}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["error"]; ok {
		t.Fatalf("error field present in success response: %s", data)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp := &Response{JSONRPC: "2.0", Error: &Error{Code: ErrCodeMethodNotFound, Message: "method not found: bogus"}, ID: float64(2)}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("decoded error = %+v", decoded.Error)
	}
}
