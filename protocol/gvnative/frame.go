package gvnative

import (
	"errors"
	"fmt"
)

// Control bytes.
const (
	SOH byte = 0x01
	EOT byte = 0x04
	HT  byte = 0x09
)

// NameWidth is the fixed label width on the wire.
const NameWidth = 8

// MaxFrameSize bounds the receive buffer per frame.
const MaxFrameSize = 8 * 1024

var ErrFrameTooLong = errors.New("frame exceeds maximum size")

// Checksum computes the body checksum byte.
func Checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}

	return -sum
}

// EncodeFrame wraps a body in SOH / checksum / EOT framing.
func EncodeFrame(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	out = append(out, SOH)
	out = append(out, body...)
	out = append(out, []byte(fmt.Sprintf("%02X", Checksum(body)))...)

	return append(out, EOT)
}

// Token is one recovered frame. ChecksumOK is advisory: the engines log a
// warning on mismatch but still dispatch the body.
type Token struct {
	Body       []byte
	ChecksumOK bool
}

// Framer recovers frames from a byte stream, keeping partial frames across
// Feed calls.
type Framer struct {
	inFrame bool
	payload []byte
}

// Feed consumes stream bytes and returns every completed token.
func (f *Framer) Feed(data []byte) ([]Token, error) {
	var tokens []Token
	var err error

	for _, b := range data {
		switch {
		case !f.inFrame:
			if b == SOH {
				f.inFrame = true
				f.payload = f.payload[:0]
			}
			// Bytes outside SOH/EOT are noise.

		case b == EOT:
			f.inFrame = false
			tokens = append(tokens, f.finish())

		case b == SOH:
			// Frame restarted without a terminator.
			f.payload = f.payload[:0]

		default:
			f.payload = append(f.payload, b)
		}
	}

	if len(f.payload) > MaxFrameSize {
		f.inFrame = false
		f.payload = nil
		err = ErrFrameTooLong
	}

	return tokens, err
}

func (f *Framer) finish() Token {
	payload := append([]byte(nil), f.payload...)

	if len(payload) < 2 {
		return Token{Body: payload, ChecksumOK: false}
	}

	body := payload[:len(payload)-2]
	sent := string(payload[len(payload)-2:])
	want := fmt.Sprintf("%02X", Checksum(body))

	return Token{Body: body, ChecksumOK: sent == want}
}
