// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package urpc_test

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/urpc"
	"github.com/google/go-cmp/cmp"
)

func TestErrorRoundTrip(t *testing.T) {
	tests := []struct {
		err  *urpc.Error
		kind *urpc.Error
	}{
		{urpc.ParseError(), urpc.ErrParse},
		{urpc.InvalidRequest(map[string]any{"bogus": true}), urpc.ErrInvalidRequest},
		{urpc.MethodNotFound("frobnicate"), urpc.ErrMethodNotFound},
		{urpc.InvalidParams([]any{1.0, "two"}), urpc.ErrInvalidParams},
		{urpc.InternalError(map[string]any{"where": "here"}), urpc.ErrInternal},
		{urpc.NewInternalError(io.ErrUnexpectedEOF), urpc.ErrInternal},
	}
	for _, tc := range tests {
		t.Run(tc.err.Code.String(), func(t *testing.T) {
			wire := tc.err.Wire()
			got, err := urpc.ProtocolErrorFrom(wire)
			if err != nil {
				t.Fatalf("ProtocolErrorFrom(%v): unexpected error: %v", wire, err)
			}
			if !errors.Is(got, tc.kind) {
				t.Errorf("Decoded %v is not %v", got, tc.kind)
			}
			if diff := cmp.Diff(wire, got.Wire()); diff != "" {
				t.Errorf("Wire (-want, +got):\n%s", diff)
			}

			// The same holds after a trip through JSON, where codes and other
			// numbers decode as float64.
			bits, err := json.Marshal(wire)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var jwire map[string]any
			if err := json.Unmarshal(bits, &jwire); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			jgot, err := urpc.ProtocolErrorFrom(jwire)
			if err != nil {
				t.Fatalf("ProtocolErrorFrom(%v): unexpected error: %v", jwire, err)
			}
			if jgot.Code != tc.err.Code || jgot.Message != tc.err.Message {
				t.Errorf("JSON decode: got [%d] %q, want [%d] %q", jgot.Code, jgot.Message, tc.err.Code, tc.err.Message)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		code urpc.Code
		want string
	}{
		{urpc.CodeParseError, "Parse Error"},
		{urpc.CodeInvalidRequest, "Invalid Request"},
		{urpc.CodeMethodNotFound, "Method Not Found"},
		{urpc.CodeInvalidParams, "Invalid Params"},
		{urpc.CodeInternalError, "Internal Error"},
	}
	for _, tc := range tests {
		if got := tc.code.String(); got != tc.want {
			t.Errorf("Code %d: got %q, want %q", int(tc.code), got, tc.want)
		}
		if !tc.code.Canonical() {
			t.Errorf("Code %d is not canonical", int(tc.code))
		}
	}
	if urpc.Code(-32000).Canonical() {
		t.Error("Code -32000 should not be canonical")
	}
}

func TestInternalErrorCause(t *testing.T) {
	cause := errors.New("disk on fire")
	e := urpc.NewInternalError(cause)

	if !errors.Is(e, cause) {
		t.Errorf("Error %v does not wrap its cause", e)
	}
	if !strings.Contains(e.Error(), "disk on fire") {
		t.Errorf("Local message %q lacks the cause", e.Error())
	}
	want := map[string]any{"code": -32603, "message": "Internal Error", "data": map[string]any{}}
	if diff := cmp.Diff(want, e.Wire()); diff != "" {
		t.Errorf("Wire form leaks detail (-want, +got):\n%s", diff)
	}
}

func TestProtocolErrorFromUnknown(t *testing.T) {
	for _, code := range []any{-32000, 1.5, "urpc/refused", nil, "-32601"} {
		_, err := urpc.ProtocolErrorFrom(map[string]any{"code": code, "message": "x"})
		var uerr *urpc.UnknownErrorCodeError
		if !errors.As(err, &uerr) {
			t.Errorf("Code %#v: got %v, want UnknownErrorCodeError", code, err)
			continue
		}
		if uerr.Code != code {
			t.Errorf("Code %#v: error reports %#v", code, uerr.Code)
		}
		t.Logf("Code %#v: %v", code, err)
	}
}
