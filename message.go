// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package urpc

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/creachadair/mds/value"
)

// Version is the value of the version tag carried by every message.
const Version = "1.0"

// versionKey is the name of the version tag field.
const versionKey = "jsonrpc"

type idKind byte

const (
	idAbsent idKind = iota
	idNumber
	idString
)

// An ID identifies a request and correlates it with its reply. The zero ID is
// absent, marking a notification. Numeric and string IDs never compare equal.
type ID struct {
	kind idKind
	num  float64
	str  string
}

// NumberID returns a numeric ID. It panics if n is not finite.
func NumberID(n float64) ID {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		panic(fmt.Sprintf("invalid numeric ID %v", n))
	}
	return ID{kind: idNumber, num: n}
}

// StringID returns a string ID. It panics if s is empty or all spaces.
func StringID(s string) ID {
	if strings.TrimSpace(s) == "" {
		panic("empty string ID")
	}
	return ID{kind: idString, str: s}
}

// IsZero reports whether id is absent.
func (id ID) IsZero() bool { return id.kind == idAbsent }

// Value returns the wire value of id: nil, a float64, or a string.
func (id ID) Value() any {
	switch id.kind {
	case idNumber:
		return id.num
	case idString:
		return id.str
	}
	return nil
}

func (id ID) String() string {
	switch id.kind {
	case idNumber:
		return strconv.FormatFloat(id.num, 'g', -1, 64)
	case idString:
		return strconv.Quote(id.str)
	}
	return "<none>"
}

// parseID converts a wire value into an ID, reporting whether it was valid.
func parseID(v any) (ID, bool) {
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" {
			return ID{}, false
		}
		return ID{kind: idString, str: s}, true
	}
	if f, ok := toFloat(v); ok {
		return ID{kind: idNumber, num: f}, true
	}
	return ID{}, false
}

// toFloat converts a numeric wire value to a float64, reporting false if v is
// not a number or is not finite.
func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		v, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = v
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

// IsID reports whether v is a valid wire ID: a finite number or a string that
// is not empty after trimming.
func IsID(v any) bool { _, ok := parseID(v); return ok }

// IsMessage reports whether v is a record carrying the supported version tag.
func IsMessage(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	tag, ok := m[versionKey].(string)
	return ok && tag == Version
}

// IsRequestMessage reports whether the record m has the shape of a request:
// a valid id if present, a non-empty method name, and container params.
func IsRequestMessage(m map[string]any) bool {
	if id, ok := m["id"]; ok && !IsID(id) {
		return false
	}
	if !nonEmptyString(m["method"]) {
		return false
	}
	switch m["params"].(type) {
	case []any, map[string]any:
		return true
	}
	return false
}

// IsErrorMessage reports whether the record m has the shape of an error
// response: a valid id if present, and an error record with a code, a
// non-empty message, and optional record data.
func IsErrorMessage(m map[string]any) bool {
	if id, ok := m["id"]; ok && !IsID(id) {
		return false
	}
	e, ok := m["error"].(map[string]any)
	if !ok {
		return false
	}
	if _, ok := toFloat(e["code"]); !ok && !nonEmptyString(e["code"]) {
		return false
	}
	if !nonEmptyString(e["message"]) {
		return false
	}
	if d, ok := e["data"]; ok {
		if _, ok := d.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// Kind classifies an inbound message.
type Kind byte

const (
	KindInvalid  Kind = iota // not a well-formed message
	KindRequest              // a request or notification
	KindResponse             // a successful response
	KindError                // an error response
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	}
	return "invalid"
}

// A Message is a classified inbound message. Only the fields relevant to its
// Kind are populated.
type Message struct {
	Kind Kind
	ID   ID // for KindInvalid, the id if one was readable

	Method string         // KindRequest
	Params []any          // KindRequest, positional
	Named  map[string]any // KindRequest, by name

	Result any            // KindResponse
	Error  map[string]any // KindError, the wire error record

	Raw any // the decoded value as received
}

// Classify validates a decoded value and determines its kind. A record must
// carry exactly one of method, result, and error.
func Classify(v any) *Message {
	msg := &Message{Kind: KindInvalid, Raw: v}
	if !IsMessage(v) {
		return msg
	}
	m := v.(map[string]any)
	if id, ok := parseID(m["id"]); ok {
		msg.ID = id
	}

	_, hasMethod := m["method"]
	_, hasResult := m["result"]
	_, hasError := m["error"]
	switch {
	case hasMethod && !hasResult && !hasError:
		if !IsRequestMessage(m) {
			return msg
		}
		msg.Kind = KindRequest
		msg.Method = m["method"].(string)
		switch p := m["params"].(type) {
		case []any:
			msg.Params = p
		case map[string]any:
			msg.Named = p
		}

	case hasResult && !hasMethod && !hasError:
		if id, ok := m["id"]; ok && !IsID(id) {
			return msg
		}
		msg.Kind = KindResponse
		msg.Result = m["result"]

	case hasError && !hasMethod && !hasResult:
		if !IsErrorMessage(m) {
			return msg
		}
		msg.Kind = KindError
		msg.Error = m["error"].(map[string]any)
	}
	return msg
}

func (m *Message) String() string {
	switch m.Kind {
	case KindRequest:
		return fmt.Sprintf("Request(ID=%v, Method=%q, Params=%s)",
			m.ID, truncate(m.Method, 64), truncate(fmt.Sprint(value.Cond(m.Named != nil, any(m.Named), any(m.Params))), 64))
	case KindResponse:
		return fmt.Sprintf("Response(ID=%v, Result=%s)", m.ID, truncate(fmt.Sprint(m.Result), 64))
	case KindError:
		return fmt.Sprintf("Error(ID=%v, Code=%v, Message=%q)", m.ID, m.Error["code"], m.Error["message"])
	}
	return fmt.Sprintf("Invalid(%s)", truncate(fmt.Sprint(m.Raw), 64))
}

// formatRequest returns the wire form of a request. An absent id is omitted.
func formatRequest(id ID, method string, params []any) map[string]any {
	if params == nil {
		params = []any{}
	}
	m := map[string]any{versionKey: Version, "method": method, "params": params}
	if !id.IsZero() {
		m["id"] = id.Value()
	}
	return m
}

// formatResult returns the wire form of a successful response.
func formatResult(id ID, result any) map[string]any {
	m := map[string]any{versionKey: Version, "result": result}
	if !id.IsZero() {
		m["id"] = id.Value()
	}
	return m
}

// formatError returns the wire form of an error response.
func formatError(id ID, wire map[string]any) map[string]any {
	m := map[string]any{versionKey: Version, "error": wire}
	if !id.IsZero() {
		m["id"] = id.Value()
	}
	return m
}

// refusal returns the wire error sent for a request received while ending.
func refusal() map[string]any {
	return map[string]any{
		"code":    RefusedCode,
		"message": "Request refused",
		"data":    map[string]any{"reason": "closed"},
	}
}

// truncate returns the longest prefix of s no longer than n bytes that does
// not split a UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
