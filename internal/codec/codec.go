// Package codec converts function arguments and results to and from an
// opaque byte payload. Every encoded payload is prefixed with a single tag
// byte identifying the codec used, so a value encoded by one codec is never
// silently misread by another.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
)

// Tag identifies which codec produced a payload.
type Tag byte

const (
	// TagJSON marks a payload encoded with encoding/json. This is the
	// default codec and is safe for untrusted input.
	TagJSON Tag = 0x01
	// TagBinary marks a payload encoded with encoding/gob. gob decodes by
	// invoking the concrete Go types it names, so it must never be used
	// on untrusted input; callers opt in explicitly.
	TagBinary Tag = 0x02
)

var ErrUnknownTag = errors.New("codec: unknown tag byte")

// Codec encodes and decodes values to/from a tagged byte payload.
type Codec interface {
	Tag() Tag
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSON is the default codec. It is safe to use on payloads originating from
// outside the process.
type JSON struct{}

func (JSON) Tag() Tag { return TagJSON }

func (JSON) Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %w", err)
	}
	return tagged(TagJSON, body), nil
}

func (JSON) Decode(data []byte, v any) error {
	tag, body, err := untag(data)
	if err != nil {
		return err
	}
	if tag != TagJSON {
		return fmt.Errorf("codec: expected json tag, got %#x", tag)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("codec: json decode: %w", err)
	}
	return nil
}

// Binary is a gob-based codec. It round-trips richer Go types than JSON
// (e.g. non-string map keys) but MUST NOT be used to decode payloads that
// did not originate from a trusted process, since gob decoding drives
// arbitrary registered types.
type Binary struct{}

func (Binary) Tag() Tag { return TagBinary }

func (Binary) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("codec: gob encode: %w", err)
	}
	return tagged(TagBinary, buf.Bytes()), nil
}

func (Binary) Decode(data []byte, v any) error {
	tag, body, err := untag(data)
	if err != nil {
		return err
	}
	if tag != TagBinary {
		return fmt.Errorf("codec: expected binary tag, got %#x", tag)
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("codec: gob decode: %w", err)
	}
	return nil
}

// Registry resolves a tag byte, read off a stored payload, back to the
// codec that must decode it. This lets the worker loop and orchestrator
// driver decode arguments/results without knowing ahead of time which
// codec produced them.
type Registry struct {
	codecs map[Tag]Codec
}

// NewRegistry builds a registry pre-populated with JSON and Binary.
// Application code may register additional codecs via Register.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Tag]Codec, 2)}
	r.Register(JSON{})
	r.Register(Binary{})
	return r
}

func (r *Registry) Register(c Codec) {
	r.codecs[c.Tag()] = c
}

// Default returns the codec used to encode values that don't already carry
// a tag of their own — JSON, since it is always safe to produce.
func (r *Registry) Default() Codec {
	return r.codecs[TagJSON]
}

// Decode inspects the tag byte of data and dispatches to the matching codec.
func (r *Registry) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	tag, _, err := untag(data)
	if err != nil {
		return err
	}
	c, ok := r.codecs[tag]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownTag, tag)
	}
	return c.Decode(data, v)
}

func tagged(tag Tag, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(tag))
	out = append(out, body...)
	return out
}

func untag(data []byte) (Tag, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("codec: payload too short to carry a tag byte")
	}
	return Tag(data[0]), data[1:], nil
}
