package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/dbbouncer/cdc/internal/cdcerr"
)

// ReadCString reads bytes up to and including a NUL terminator and returns
// the string without the terminator, plus the number of bytes consumed.
func ReadCString(b []byte) (string, int, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1, nil
		}
	}
	return "", 0, cdcerr.New(cdcerr.KindProtocolError, "unterminated c-string")
}

// PutCString appends s followed by a NUL terminator.
func PutCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// ReadLenEncInt decodes a MySQL length-encoded integer. Returns the value,
// the number of bytes consumed, and whether the value is SQL NULL (first
// byte 0xfb).
func ReadLenEncInt(b []byte) (value uint64, n int, isNull bool, err error) {
	if len(b) == 0 {
		return 0, 0, false, cdcerr.New(cdcerr.KindProtocolError, "lenenc: empty input")
	}
	switch first := b[0]; {
	case first < 0xfb:
		return uint64(first), 1, false, nil
	case first == 0xfb:
		return 0, 1, true, nil
	case first == 0xfc:
		if len(b) < 3 {
			return 0, 0, false, cdcerr.New(cdcerr.KindProtocolError, "lenenc: short 2-byte form")
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, false, nil
	case first == 0xfd:
		if len(b) < 4 {
			return 0, 0, false, cdcerr.New(cdcerr.KindProtocolError, "lenenc: short 3-byte form")
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, 4, false, nil
	case first == 0xfe:
		if len(b) < 9 {
			return 0, 0, false, cdcerr.New(cdcerr.KindProtocolError, "lenenc: short 8-byte form")
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, false, nil
	default:
		return 0, 0, false, cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("lenenc: invalid prefix 0x%02x", first))
	}
}

// PutLenEncInt appends a MySQL length-encoded integer.
func PutLenEncInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(buf, byte(v))
	case v <= 0xffff:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return append(append(buf, 0xfc), b...)
	case v <= 0xffffff:
		return append(buf, 0xfd, byte(v), byte(v>>8), byte(v>>16))
	default:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		return append(append(buf, 0xfe), b...)
	}
}

// ReadLenEncString decodes a MySQL length-encoded string (length-encoded
// integer followed by that many bytes).
func ReadLenEncString(b []byte) (value []byte, n int, isNull bool, err error) {
	length, hn, isNull, err := ReadLenEncInt(b)
	if err != nil {
		return nil, 0, false, err
	}
	if isNull {
		return nil, hn, true, nil
	}
	total := hn + int(length)
	if total > len(b) {
		return nil, 0, false, cdcerr.New(cdcerr.KindProtocolError, "lenenc string: truncated body")
	}
	return b[hn:total], total, false, nil
}

// BitmapSet reports whether bit i is set in a little-endian null/column
// bitmap as used by MySQL ROW events.
func BitmapSet(bitmap []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(i%8)) != 0
}

// NullBitmapSize returns the byte length of a MySQL null bitmap for n
// columns, with the given number of bits reserved before column 0 (2 for
// ProtocolText result-set rows, 0 for ROW event bitmaps).
func NullBitmapSize(n, offset int) int {
	return (n + offset + 7) / 8
}
