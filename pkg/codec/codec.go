// Package codec implements the length-prefixed framing shared by the
// write-ahead log and the checkpoint files.
//
// Every frame is an 8-byte big-endian unsigned length followed by exactly
// that many raw bytes. A single character is a frame of length 1.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// LenSize is the size of the length prefix in bytes.
const LenSize = 8

var (
	// ErrTruncated is returned when a frame ends before its declared length.
	ErrTruncated = errors.New("codec: truncated frame")
	// ErrBadCharFrame is returned when a character frame is not of length 1.
	ErrBadCharFrame = errors.New("codec: character frame length is not 1")
)

// AppendBytes appends b to dst as a length-prefixed frame.
func AppendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(b)))
	return append(dst, b...)
}

// AppendChar appends c to dst as a frame of length 1.
func AppendChar(dst []byte, c byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, 1)
	return append(dst, c)
}

// EncodedLen returns the size of b once framed.
func EncodedLen(b []byte) int {
	return LenSize + len(b)
}

// ReadUint64 reads a big-endian length prefix. It returns io.EOF when the
// reader is exhausted before the first byte, which is the normal end of a
// stream of frames, and ErrTruncated when only part of the prefix exists.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [LenSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, mapReadErr(err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ReadBytes reads one length-prefixed frame.
func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return readPayload(r, n)
}

// ReadChar reads one frame that must hold a single byte.
func ReadChar(r io.Reader) (byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, fmt.Errorf("%w: got %d", ErrBadCharFrame, n)
	}
	var c [1]byte
	if _, err := io.ReadFull(r, c[:]); err != nil {
		return 0, truncated(err)
	}
	return c[0], nil
}

// readPayload copies incrementally so a corrupted length cannot force a
// huge allocation up front.
func readPayload(r io.Reader, n uint64) ([]byte, error) {
	if n > math.MaxInt64 {
		return nil, fmt.Errorf("%w: declared length %d", ErrTruncated, n)
	}
	if n == 0 {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	if n <= 64*1024 {
		buf.Grow(int(n))
	}
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, truncated(err)
	}
	return buf.Bytes(), nil
}

func mapReadErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
