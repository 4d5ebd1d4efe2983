package main

import (
	"context"
	"fmt"

	"github.com/maumercado/senpuki/internal/codec"
	"github.com/maumercado/senpuki/internal/execctx"
)

var exampleCodec = codec.JSON{}

// addArgs and the handlers below are the activities used by spec.md 8's S1
// scenario (add_then_mul) and S2 scenario (fan-out square), shipped as the
// default worker's example activities; the orchestrators of those scenarios
// are not included.

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func addHandler(_ context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
	var a addArgs
	if err := exampleCodec.Decode(args, &a); err != nil {
		return nil, fmt.Errorf("examples.add: decode args: %w", err)
	}
	return exampleCodec.Encode(a.A + a.B)
}

type mulArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func mulHandler(_ context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
	var a mulArgs
	if err := exampleCodec.Decode(args, &a); err != nil {
		return nil, fmt.Errorf("examples.mul: decode args: %w", err)
	}
	return exampleCodec.Encode(a.A * a.B)
}

func squareHandler(_ context.Context, _ *execctx.Context, args []byte) ([]byte, error) {
	var n int
	if err := exampleCodec.Decode(args, &n); err != nil {
		return nil, fmt.Errorf("examples.square: decode args: %w", err)
	}
	return exampleCodec.Encode(n * n)
}
