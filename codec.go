// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package urpc

import (
	"encoding/json"
	"fmt"
)

// A Codec converts between messages and the frames exchanged with a
// transport. Implementations must be safe for concurrent use.
type Codec interface {
	// Encode converts a message into a frame.
	Encode(msg any) (any, error)

	// Decode converts a frame into a message. It reports an error of
	// concrete type *DecodeError if the frame is malformed.
	Decode(frame any) (any, error)
}

// DecodeError is reported by a Codec for a frame it cannot decode.
type DecodeError struct {
	Frame any   // the frame as received
	Err   error // the underlying failure
}

func (d *DecodeError) Error() string { return fmt.Sprintf("decode frame: %v", d.Err) }

func (d *DecodeError) Unwrap() error { return d.Err }

// Identity is a Codec whose frames are the messages themselves.
var Identity Codec = identityCodec{}

type identityCodec struct{}

func (identityCodec) Encode(msg any) (any, error)   { return msg, nil }
func (identityCodec) Decode(frame any) (any, error) { return frame, nil }

// JSON is a Codec that encodes messages as JSON text. Encoded frames have type
// []byte; frames to decode may be []byte or string.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Encode(msg any) (any, error) { return json.Marshal(msg) }

func (jsonCodec) Decode(frame any) (any, error) {
	var data []byte
	switch t := frame.(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		return nil, &DecodeError{Frame: frame, Err: fmt.Errorf("unsupported frame type %T", frame)}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &DecodeError{Frame: frame, Err: err}
	}
	return v, nil
}

// CodecByName returns the built-in codec with the given name. The names "" and
// "json" select JSON; "identity" and "none" select Identity.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "identity", "none":
		return Identity, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
