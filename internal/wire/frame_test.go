package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestPGFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WritePGFrame(server, 'Q', PutCString(nil, "SELECT 1"))
	}()

	frame, err := ReadPGFrame(client)
	if err != nil {
		t.Fatalf("ReadPGFrame: %v", err)
	}
	if frame.Tag != 'Q' {
		t.Errorf("Tag = %q, want 'Q'", frame.Tag)
	}
	if !bytes.Equal(frame.Body, append([]byte("SELECT 1"), 0)) {
		t.Errorf("Body = %q", frame.Body)
	}
}

func TestPGUntaggedFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var body []byte
		body = append(body, 0, 3, 0, 0)
		_ = WritePGUntagged(server, body)
	}()

	body, err := ReadPGUntaggedFrame(client)
	if err != nil {
		t.Fatalf("ReadPGUntaggedFrame: %v", err)
	}
	if !bytes.Equal(body, []byte{0, 3, 0, 0}) {
		t.Errorf("body = %v", body)
	}
}

func TestReadPGFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('Q')
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // huge length
	if _, err := ReadPGFrame(&buf); err == nil {
		t.Error("expected an error for an oversized frame length")
	}
}

func TestMySQLFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WriteMySQLFrame(server, 3, []byte("hello"))
	}()

	frame, err := ReadMySQLFrame(client)
	if err != nil {
		t.Fatalf("ReadMySQLFrame: %v", err)
	}
	if frame.Seq != 3 {
		t.Errorf("Seq = %d, want 3", frame.Seq)
	}
	if string(frame.Payload) != "hello" {
		t.Errorf("Payload = %q", frame.Payload)
	}
}

func TestSeqTrackerChecksMonotonic(t *testing.T) {
	var s SeqTracker
	if err := s.Check(0); err != nil {
		t.Fatalf("Check(0): %v", err)
	}
	if err := s.Check(1); err != nil {
		t.Fatalf("Check(1): %v", err)
	}
	if err := s.Check(5); err == nil {
		t.Error("expected a sequence_gap error for a skipped sequence number")
	}
}

func TestSeqTrackerResetRestartsAtZero(t *testing.T) {
	var s SeqTracker
	_ = s.Check(0)
	_ = s.Check(1)
	s.Reset()
	if err := s.Check(0); err != nil {
		t.Errorf("Check(0) after Reset: %v", err)
	}
}

func TestSeqTrackerNextSeqAdvances(t *testing.T) {
	var s SeqTracker
	if got := s.NextSeq(); got != 0 {
		t.Errorf("first NextSeq() = %d, want 0", got)
	}
	if got := s.NextSeq(); got != 1 {
		t.Errorf("second NextSeq() = %d, want 1", got)
	}
}

func TestReadCStringUnterminated(t *testing.T) {
	if _, _, err := ReadCString([]byte("no terminator")); err == nil {
		t.Error("expected an error for an unterminated c-string")
	}
}

func TestReadLenEncIntForms(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		want   uint64
		wantN  int
		isNull bool
	}{
		{"1-byte", []byte{5}, 5, 1, false},
		{"null", []byte{0xfb}, 0, 1, true},
		{"2-byte", []byte{0xfc, 0x01, 0x02}, 0x0201, 3, false},
		{"3-byte", []byte{0xfd, 0x01, 0x02, 0x03}, 0x030201, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, n, isNull, err := ReadLenEncInt(tt.in)
			if err != nil {
				t.Fatalf("ReadLenEncInt: %v", err)
			}
			if v != tt.want || n != tt.wantN || isNull != tt.isNull {
				t.Errorf("got (%d, %d, %v), want (%d, %d, %v)", v, n, isNull, tt.want, tt.wantN, tt.isNull)
			}
		})
	}
}

func TestLenEncIntRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 250, 1000, 1 << 20, 1 << 40} {
		buf := PutLenEncInt(nil, v)
		got, n, isNull, err := ReadLenEncInt(buf)
		if err != nil {
			t.Fatalf("ReadLenEncInt(%d): %v", v, err)
		}
		if isNull || got != v || n != len(buf) {
			t.Errorf("round trip of %d = (%d, %d, %v)", v, got, n, isNull)
		}
	}
}

func TestBitmapSet(t *testing.T) {
	bitmap := []byte{0b00000101} // bits 0 and 2 set
	if !BitmapSet(bitmap, 0) {
		t.Error("expected bit 0 set")
	}
	if BitmapSet(bitmap, 1) {
		t.Error("expected bit 1 clear")
	}
	if !BitmapSet(bitmap, 2) {
		t.Error("expected bit 2 set")
	}
	if BitmapSet(bitmap, 64) {
		t.Error("expected out-of-range bit to report false, not panic")
	}
}

func TestNullBitmapSize(t *testing.T) {
	if got := NullBitmapSize(8, 0); got != 1 {
		t.Errorf("NullBitmapSize(8, 0) = %d, want 1", got)
	}
	if got := NullBitmapSize(9, 0); got != 2 {
		t.Errorf("NullBitmapSize(9, 0) = %d, want 2", got)
	}
	if got := NullBitmapSize(6, 2); got != 1 {
		t.Errorf("NullBitmapSize(6, 2) = %d, want 1", got)
	}
}
