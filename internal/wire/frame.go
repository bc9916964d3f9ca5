// Package wire implements the two length-prefixed framing schemes used by
// the replication engines: PostgreSQL's (tag byte + BE uint32 length) and
// MySQL's (LE uint24 length + sequence byte). It generalizes the ad-hoc
// readPGMessage/writePGMessage and readMySQLPoolPacket/writeMySQLPoolPacket
// helpers that used to live next to each protocol handler into one codec
// both protocol packages share.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dbbouncer/cdc/internal/cdcerr"
)

// MaxFrameSize bounds a single frame body. Frames claiming to be larger are
// a fatal protocol violation rather than an allocation footgun.
const MaxFrameSize = 64 << 20

// PGFrame is one PostgreSQL backend/frontend message: a one-byte tag
// followed by a big-endian uint32 length (inclusive of itself) and body.
type PGFrame struct {
	Tag  byte
	Body []byte
}

// ReadPGFrame reads one tagged PostgreSQL message from r.
func ReadPGFrame(r io.Reader) (PGFrame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return PGFrame{}, err
	}
	if _, err := io.ReadFull(r, hdr[1:5]); err != nil {
		return PGFrame{}, err
	}
	length := int(binary.BigEndian.Uint32(hdr[1:5]))
	bodyLen := length - 4
	if bodyLen < 0 {
		return PGFrame{}, cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("negative frame length %d", length))
	}
	if bodyLen > MaxFrameSize {
		return PGFrame{}, cdcerr.New(cdcerr.KindProtocolError, "frame_too_large")
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return PGFrame{}, err
		}
	}
	return PGFrame{Tag: hdr[0], Body: body}, nil
}

// ReadPGUntaggedFrame reads a length-prefixed body with no leading tag byte,
// used only for the very first StartupMessage (which has no tag).
func ReadPGUntaggedFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 4 || length-4 > MaxFrameSize {
		return nil, cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("invalid startup length %d", length))
	}
	body := make([]byte, length-4)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// WritePGFrame writes a tagged PostgreSQL message.
func WritePGFrame(w io.Writer, tag byte, body []byte) error {
	buf := make([]byte, 1+4+len(body))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(body)+4))
	copy(buf[5:], body)
	_, err := w.Write(buf)
	return err
}

// WritePGUntagged writes a length-prefixed body with no tag byte (StartupMessage).
func WritePGUntagged(w io.Writer, body []byte) error {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)+4))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

// MySQLFrame is one MySQL packet: a 3-byte little-endian length, a sequence
// byte, and the payload.
type MySQLFrame struct {
	Seq     byte
	Payload []byte
}

// SeqTracker enforces that MySQL packet sequence numbers increase
// monotonically within one command/response cycle and resets at command
// boundaries, per the wire codec contract in spec §4.1.
type SeqTracker struct {
	next byte
}

// Reset starts a new command/response cycle at sequence 0.
func (s *SeqTracker) Reset() { s.next = 0 }

// Check validates the observed sequence number and advances the tracker.
func (s *SeqTracker) Check(seq byte) error {
	if seq != s.next {
		return cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("sequence_gap: expected %d, got %d", s.next, seq))
	}
	s.next++
	return nil
}

// NextSeq returns the sequence number to use for the next outbound packet
// without validating an inbound one.
func (s *SeqTracker) NextSeq() byte {
	seq := s.next
	s.next++
	return seq
}

// ReadMySQLFrame reads one MySQL packet from r.
func ReadMySQLFrame(r io.Reader) (MySQLFrame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return MySQLFrame{}, err
	}
	length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
	if length > MaxFrameSize {
		return MySQLFrame{}, cdcerr.New(cdcerr.KindProtocolError, "frame_too_large")
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return MySQLFrame{}, err
		}
	}
	return MySQLFrame{Seq: hdr[3], Payload: payload}, nil
}

// WriteMySQLFrame writes one MySQL packet with the given sequence number.
// Payloads larger than 0xFFFFFF must be split into multiple max-size packets
// terminated by a (possibly empty) packet shorter than the max; callers of
// this codec never need payloads that large (auth/query/event frames are
// well under the limit), so that split is not implemented.
func WriteMySQLFrame(w io.Writer, seq byte, payload []byte) error {
	length := len(payload)
	hdr := [4]byte{byte(length), byte(length >> 8), byte(length >> 16), seq}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
