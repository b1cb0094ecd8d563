// Package hdlc implements the pseudo-HDLC byte framing used on every DIAG
// wire transport: CRC-16/CCITT, ESCAPE/TRAILER byte-stuffing and a single
// trailing TRAILER byte.
package hdlc

import (
	"errors"
	"fmt"
)

const (
	// ESCAPE prefixes a stuffed byte.
	ESCAPE byte = 0x7D
	// TRAILER terminates a frame.
	TRAILER byte = 0x7E

	escapeXor byte = 0x20
)

// ErrInvalidFrame is returned by Decapsulate when a frame is too short or
// its CRC does not match.
var ErrInvalidFrame = errors.New("hdlc: invalid frame")

// Encapsulate appends a little-endian CRC-16/CCITT to payload, byte-stuffs
// ESCAPE and TRAILER (in that order — ESCAPE is substituted first so the
// substitution itself is never re-escaped), and appends a single trailing
// TRAILER byte.
func Encapsulate(payload []byte) []byte {
	crc := checksum(payload)

	withCRC := make([]byte, 0, len(payload)+2)
	withCRC = append(withCRC, payload...)
	withCRC = append(withCRC, byte(crc&0xFF), byte(crc>>8))

	out := make([]byte, 0, len(withCRC)+len(withCRC)/8+1)
	for _, b := range withCRC {
		switch b {
		case ESCAPE:
			out = append(out, ESCAPE, ESCAPE^escapeXor)
		case TRAILER:
			out = append(out, ESCAPE, TRAILER^escapeXor)
		default:
			out = append(out, b)
		}
	}
	out = append(out, TRAILER)
	return out
}

// Decapsulate reverses Encapsulate. frame must include its trailing
// TRAILER byte. strict controls whether a short/corrupt frame is a hard
// error; callers decapsulating the first frame off a freshly opened
// transport pass strict=false so a truncated leading fragment can be
// dropped silently (spec.md §3, "first frame may be truncated").
func Decapsulate(frame []byte, strict bool) ([]byte, error) {
	if len(frame) == 0 || frame[len(frame)-1] != TRAILER {
		return nil, invalidFrame(strict, "missing trailer")
	}
	frame = frame[:len(frame)-1]

	unescaped := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); i++ {
		b := frame[i]
		if b == ESCAPE {
			if i+1 >= len(frame) {
				return nil, invalidFrame(strict, "dangling escape")
			}
			i++
			switch frame[i] ^ escapeXor {
			case TRAILER:
				unescaped = append(unescaped, TRAILER)
			case ESCAPE:
				unescaped = append(unescaped, ESCAPE)
			default:
				// Not a recognized escape form; pass the XOR'd byte
				// through and let the CRC check catch corruption.
				unescaped = append(unescaped, frame[i]^escapeXor)
			}
			continue
		}
		unescaped = append(unescaped, b)
	}

	if len(unescaped) < 2 {
		return nil, invalidFrame(strict, "frame too short")
	}

	payload := unescaped[:len(unescaped)-2]
	wantCRC := uint16(unescaped[len(unescaped)-2]) | uint16(unescaped[len(unescaped)-1])<<8
	if checksum(payload) != wantCRC {
		return nil, invalidFrame(strict, "crc mismatch")
	}

	return payload, nil
}

func invalidFrame(strict bool, reason string) error {
	if strict {
		return fmt.Errorf("%w: %s", ErrInvalidFrame, reason)
	}
	return fmt.Errorf("%w: %s (non-strict, dropping)", ErrInvalidFrame, reason)
}
