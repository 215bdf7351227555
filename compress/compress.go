// Package compress frames stored document bodies. Every framed body starts
// with a one-byte tag naming the algorithm, so a store can switch
// compressors without rewriting old records.
package compress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

type Kind byte

const (
	None Kind = iota
	Zstd
	S2
)

var ErrUnknown = errors.New("compress: unknown compressor")

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	}
	return fmt.Sprintf("compress(%d)", byte(k))
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknown, s)
}

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Pack compresses body with k and prepends the tag. An empty body stays
// empty.
func Pack(k Kind, body []byte) ([]byte, error) {
	if k > S2 {
		return nil, fmt.Errorf("%w: %d", ErrUnknown, byte(k))
	}
	if len(body) == 0 {
		return nil, nil
	}
	out := make([]byte, 1, len(body)/2+16)
	out[0] = byte(k)
	switch k {
	case None:
		return append(out, body...), nil
	case Zstd:
		return zenc.EncodeAll(body, out), nil
	case S2:
		return append(out, s2.Encode(nil, body)...), nil
	}
	return nil, nil
}

// Unpack reverses Pack. An empty input is an empty body.
func Unpack(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, nil
	}
	k, data := Kind(framed[0]), framed[1:]
	switch k {
	case None:
		return data, nil
	case Zstd:
		return zdec.DecodeAll(data, nil)
	case S2:
		return s2.Decode(nil, data)
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknown, byte(k))
}
