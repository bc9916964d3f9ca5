package pgproto

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/dbbouncer/cdc/internal/config"
	"github.com/dbbouncer/cdc/internal/wire"
)

func TestQueryRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Conn{
		cfg:   &config.PGConfig{},
		nc:    client,
		rw:    newConnRW(client),
		seq:   &wire.SeqTracker{},
		state: StateIdle,
	}

	done := make(chan error, 1)
	go func() {
		frame, err := wire.ReadPGFrame(server)
		if err != nil {
			done <- err
			return
		}
		if frame.Tag != 'Q' {
			done <- errBadTag(frame.Tag)
			return
		}

		if err := wire.WritePGFrame(server, 'T', []byte{0, 1}); err != nil {
			done <- err
			return
		}
		var row []byte
		row = binary.BigEndian.AppendUint16(row, 1)
		row = binary.BigEndian.AppendUint32(row, 4)
		row = append(row, "alex"...)
		if err := wire.WritePGFrame(server, 'D', row); err != nil {
			done <- err
			return
		}
		if err := wire.WritePGFrame(server, 'C', append([]byte("SELECT 1"), 0)); err != nil {
			done <- err
			return
		}
		done <- wire.WritePGFrame(server, 'Z', []byte{'I'})
	}()

	rows, err := c.Query("select name from users")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("backend: %v", err)
	}
	if len(rows) != 1 || len(rows[0]) != 1 || rows[0][0] != "alex" {
		t.Errorf("rows = %#v", rows)
	}
	if c.state != StateIdle {
		t.Errorf("state after Query = %v, want StateIdle", c.state)
	}
}

func TestQueryRejectsWrongState(t *testing.T) {
	c := &Conn{state: StateStreaming}
	if _, err := c.Query("select 1"); err == nil {
		t.Error("expected Query to reject a non-idle state")
	}
}

func TestCancelSendsCancelRequest(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	host, port := splitHostPort(t, ln.Addr().String())

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			received <- nil
			return
		}
		received <- buf
	}()

	c := &Conn{
		cfg:        &config.PGConfig{Host: host, Port: port, ConnectTimeout: time.Second},
		state:      StateInQuery,
		backendPID: 4242,
		secretKey:  99,
	}

	if err := c.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	buf := <-received
	if buf == nil {
		t.Fatal("backend did not receive a CancelRequest")
	}
	if got := binary.BigEndian.Uint32(buf[0:4]); got != 16 {
		t.Errorf("length = %d, want 16", got)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != cancelRequestMagic {
		t.Errorf("magic = %d, want %d", got, cancelRequestMagic)
	}
	if got := binary.BigEndian.Uint32(buf[8:12]); got != 4242 {
		t.Errorf("backendPID = %d, want 4242", got)
	}
	if got := binary.BigEndian.Uint32(buf[12:16]); got != 99 {
		t.Errorf("secretKey = %d, want 99", got)
	}
	if c.state != StateCancelled {
		t.Errorf("state = %v, want StateCancelled", c.state)
	}
}

func TestCancelWithoutBackendKeyDataFails(t *testing.T) {
	c := &Conn{cfg: &config.PGConfig{}}
	if err := c.Cancel(context.Background()); err == nil {
		t.Error("expected Cancel to fail without captured BackendKeyData")
	}
}

type badTagErr byte

func (e badTagErr) Error() string { return "unexpected tag" }

func errBadTag(tag byte) error { return badTagErr(tag) }

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return host, port
}
