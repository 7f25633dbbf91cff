// Package wire implements the framed binary protocol spoken between
// uqfaceclient and uqfacedetect: a fixed 32-bit magic, a one-byte
// operation, then one or two length-prefixed payloads. All multi-byte
// integers are little-endian on the wire.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic marks the start of every valid frame.
const Magic uint32 = 0x23107231

// Operation codes.
const (
	OpDetect  byte = 0 // request: detect faces in payload image
	OpReplace byte = 1 // request: replace faces with second payload image
	OpImage   byte = 2 // response: payload is the result JPEG
	OpError   byte = 3 // response: payload is a UTF-8 error message
)

// PrefixLen is the size of the magic + op + first length header.
const PrefixLen = 4 + 1 + 4

var (
	ErrBadMagic = errors.New("bad magic")
	ErrShort    = errors.New("short read")
)

// Frame is one decoded protocol message. Replacement is only set on
// OpReplace requests.
type Frame struct {
	Op          byte
	Payload     []byte
	Replacement []byte
}

// EncodeRequest frames a request. replacement must be nil unless op is
// OpReplace.
func EncodeRequest(op byte, image, replacement []byte) []byte {
	n := PrefixLen + len(image)
	if op == OpReplace {
		n += 4 + len(replacement)
	}
	buf := make([]byte, 0, n)
	buf = binary.LittleEndian.AppendUint32(buf, Magic)
	buf = append(buf, op)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(image)))
	buf = append(buf, image...)
	if op == OpReplace {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(replacement)))
		buf = append(buf, replacement...)
	}
	return buf
}

// EncodeResponse frames a response carrying a single payload.
func EncodeResponse(op byte, payload []byte) []byte {
	buf := make([]byte, 0, PrefixLen+len(payload))
	buf = binary.LittleEndian.AppendUint32(buf, Magic)
	buf = append(buf, op)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// The decoder is strictly sequential: magic, op, length, payload. Each
// helper reads exactly its field so callers can react to the precise
// point of failure.

// ReadMagic reads the 4-byte magic. It reports ErrBadMagic when all
// four bytes arrived but do not match.
func ReadMagic(r io.Reader) error {
	var b [4]byte
	if err := ReadFull(r, b[:]); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(b[:]) != Magic {
		return ErrBadMagic
	}
	return nil
}

// ReadOp reads the operation byte.
func ReadOp(r io.Reader) (byte, error) {
	var b [1]byte
	if err := ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadLen reads a 32-bit payload length.
func ReadLen(r io.Reader) (uint32, error) {
	var b [4]byte
	if err := ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// ReadPayload reads exactly n payload bytes.
func ReadPayload(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if err := ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadResponse decodes a whole response frame. Responses never carry a
// second payload.
func ReadResponse(r io.Reader) (Frame, error) {
	if err := ReadMagic(r); err != nil {
		return Frame{}, err
	}
	op, err := ReadOp(r)
	if err != nil {
		return Frame{}, fmt.Errorf("read op: %w", err)
	}
	n, err := ReadLen(r)
	if err != nil {
		return Frame{}, fmt.Errorf("read length: %w", err)
	}
	payload, err := ReadPayload(r, n)
	if err != nil {
		return Frame{}, fmt.Errorf("read payload: %w", err)
	}
	return Frame{Op: op, Payload: payload}, nil
}
