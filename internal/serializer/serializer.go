// Package serializer encodes task payloads (args, kwargs, results) into a
// self-describing, transport-safe byte string, per spec §4.3: stable across
// process restarts, binary-safe, and carrying a version/codec tag so future
// codecs can coexist.
package serializer

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
)

// CurrentVersion is the payload envelope version this binary writes.
// Decoding a Payload with a newer Version than this returns ErrVersionMismatch.
const CurrentVersion = 1

const (
	CodecJSON = "json"
	CodecGob  = "gob"
)

var (
	// ErrUnsupportedType is returned when a value cannot be encoded by the
	// requested codec (e.g. a gob-unregistered concrete type behind an
	// interface).
	ErrUnsupportedType = errors.New("serializer: unsupported type for codec")
	// ErrCorrupt is returned when decoding fails against a well-formed envelope.
	ErrCorrupt = errors.New("serializer: corrupt payload")
	// ErrVersionMismatch is returned when a payload was written by a newer
	// serializer version than this process understands.
	ErrVersionMismatch = errors.New("serializer: version mismatch")
	// ErrUnknownCodec is returned for a Codec tag this process doesn't recognize.
	ErrUnknownCodec = errors.New("serializer: unknown codec")
)

// Payload is the tagged sum type the core passes around without ever
// inspecting Bytes (spec §9, "Dynamic payloads without a dynamic runtime").
// Bytes is binary-safe opaque data; Payload's own JSON marshaling
// base64-encodes it so a Payload survives embedding inside a Task's JSON
// envelope (spec §4.3, "binary-safe ... survives a JSON boundary via
// base64").
type Payload struct {
	Codec   string `json:"codec"`
	Version int    `json:"version"`
	Bytes   []byte `json:"bytes"`
}

// IsZero reports whether the payload carries no data.
func (p *Payload) IsZero() bool {
	return p == nil || (p.Codec == "" && len(p.Bytes) == 0)
}

// Encode serializes v using the named codec into a self-describing Payload.
func Encode(codec string, v interface{}) (*Payload, error) {
	if v == nil {
		return &Payload{Codec: codec, Version: CurrentVersion}, nil
	}

	var buf bytes.Buffer
	switch codec {
	case CodecJSON:
		if err := json.NewEncoder(&buf).Encode(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
		}
	case CodecGob:
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
		}
	default:
		return nil, ErrUnknownCodec
	}

	return &Payload{
		Codec:   codec,
		Version: CurrentVersion,
		Bytes:   buf.Bytes(),
	}, nil
}

// EncodeJSON is a convenience wrapper for the default codec.
func EncodeJSON(v interface{}) (*Payload, error) {
	return Encode(CodecJSON, v)
}

// Decode deserializes the payload into v, honoring its declared codec.
func (p *Payload) Decode(v interface{}) error {
	if p == nil || len(p.Bytes) == 0 {
		return nil
	}
	if p.Version > CurrentVersion {
		return ErrVersionMismatch
	}

	switch p.Codec {
	case CodecJSON:
		if err := json.Unmarshal(p.Bytes, v); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	case CodecGob:
		if err := gob.NewDecoder(bytes.NewReader(p.Bytes)).Decode(v); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	case "":
		return nil
	default:
		return ErrUnknownCodec
	}
	return nil
}

// MarshalJSON base64-encodes Bytes so a Payload survives a JSON boundary
// intact, independent of what its own codec is.
func (p Payload) MarshalJSON() ([]byte, error) {
	type alias struct {
		Codec   string `json:"codec"`
		Version int    `json:"version"`
		Bytes   string `json:"bytes"`
	}
	return json.Marshal(alias{
		Codec:   p.Codec,
		Version: p.Version,
		Bytes:   base64.StdEncoding.EncodeToString(p.Bytes),
	})
}

// UnmarshalJSON reverses MarshalJSON.
func (p *Payload) UnmarshalJSON(data []byte) error {
	type alias struct {
		Codec   string `json:"codec"`
		Version int    `json:"version"`
		Bytes   string `json:"bytes"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if a.Bytes == "" {
		p.Codec, p.Version, p.Bytes = a.Codec, a.Version, nil
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(a.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	p.Codec, p.Version, p.Bytes = a.Codec, a.Version, raw
	return nil
}
