package mysqlproto

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
	"testing"

	"github.com/dbbouncer/cdc/internal/config"
	"github.com/dbbouncer/cdc/internal/event"
	"github.com/dbbouncer/cdc/internal/wire"
)

func sendTextResultSet(server net.Conn, rows [][]string) error {
	seq := &wire.SeqTracker{}
	seq.NextSeq() // accounts for the client's query packet at seq 0

	numCols := 0
	if len(rows) > 0 {
		numCols = len(rows[0])
	}
	if err := wire.WriteMySQLFrame(server, seq.NextSeq(), []byte{byte(numCols)}); err != nil {
		return err
	}
	for i := 0; i < numCols; i++ {
		if err := wire.WriteMySQLFrame(server, seq.NextSeq(), []byte("column-def")); err != nil {
			return err
		}
	}
	if err := wire.WriteMySQLFrame(server, seq.NextSeq(), []byte{0xfe, 0, 0, 2, 0}); err != nil {
		return err
	}
	for _, row := range rows {
		var body []byte
		for _, v := range row {
			body = wire.PutLenEncInt(body, uint64(len(v)))
			body = append(body, v...)
		}
		if err := wire.WriteMySQLFrame(server, seq.NextSeq(), body); err != nil {
			return err
		}
	}
	return wire.WriteMySQLFrame(server, seq.NextSeq(), []byte{0xfe, 0, 0, 2, 0})
}

func sendOKPacket(server net.Conn) error {
	return wire.WriteMySQLFrame(server, 1, []byte{0x00})
}

func buildEventHeader(eventType byte, nextPos uint32) []byte {
	hdr := make([]byte, binlogEventHeaderSize)
	hdr[4] = eventType
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(binlogEventHeaderSize))
	binary.LittleEndian.PutUint32(hdr[13:17], nextPos)
	return hdr
}

func buildTableMapEventBody(tableID uint64, db, table string) []byte {
	var body []byte
	idBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBuf, tableID)
	body = append(body, idBuf[:6]...) // table_id: 6 bytes LE
	body = binary.LittleEndian.AppendUint16(body, 0) // flags
	body = append(body, byte(len(db)))
	body = append(body, db...)
	body = append(body, 0)
	body = append(body, byte(len(table)))
	body = append(body, table...)
	body = append(body, 0)
	body = wire.PutLenEncInt(body, 1) // one column
	body = append(body, colTypeLong)
	body = wire.PutLenEncInt(body, 0) // metadata block length
	body = append(body, 0x00)         // null bitmap: the column is not nullable
	return body
}

func buildRowsEventBody(tableID uint64, value int32) []byte {
	var body []byte
	idBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBuf, tableID)
	body = append(body, idBuf[:6]...) // table_id: 6 bytes LE
	body = binary.LittleEndian.AppendUint16(body, 0) // flags
	body = binary.LittleEndian.AppendUint16(body, 2) // extra-row-info length: none beyond the field itself
	body = wire.PutLenEncInt(body, 1)                // one column
	body = append(body, 0x01)          // columns-present bitmap: column 0 present
	body = append(body, 0x00)          // row null bitmap: column 0 not null
	valBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(valBuf, uint32(value))
	body = append(body, valBuf...)
	return body
}

func buildXidEventBody(xid uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, xid)
	return b
}

func sendBinlogEventPacket(server net.Conn, raw []byte, checksumLen int, corruptChecksum bool) error {
	payload := append([]byte{0x00}, raw...)
	if checksumLen == 4 {
		sum := crc32.ChecksumIEEE(raw)
		if corruptChecksum {
			sum++
		}
		payload = binary.LittleEndian.AppendUint32(payload, sum)
	}
	return wire.WriteMySQLFrame(server, 0, payload)
}

func readComQuery(server net.Conn) error {
	frame, err := wire.ReadMySQLFrame(server)
	if err != nil {
		return err
	}
	if len(frame.Payload) == 0 || frame.Payload[0] != comQuery {
		return fmt.Errorf("expected COM_QUERY, got %#v", frame.Payload)
	}
	return nil
}

func TestStreamBuffersRowEventsUntilXID(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Conn{cfg: &config.MySQLConfig{}, nc: client, rw: newConnRW(client), seq: &wire.SeqTracker{}, state: StateIdle}

	sink := event.NewSink(8)
	stopCh := make(chan struct{})
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- c.Stream(RegisterOptions{ServerID: 99, StartFile: "binlog.000001", StartPos: 4}, sink, nil, stopCh)
	}()

	backendDone := make(chan error, 1)
	go func() {
		if err := readComQuery(server); err != nil {
			backendDone <- err
			return
		}
		if err := sendOKPacket(server); err != nil {
			backendDone <- err
			return
		}
		if err := readComQuery(server); err != nil {
			backendDone <- err
			return
		}
		if err := sendOKPacket(server); err != nil { // no binlog_checksum row -> checksumLen 0
			backendDone <- err
			return
		}

		dumpFrame, err := wire.ReadMySQLFrame(server)
		if err != nil {
			backendDone <- err
			return
		}
		if len(dumpFrame.Payload) == 0 || dumpFrame.Payload[0] != comBinlogDump {
			backendDone <- fmt.Errorf("expected COM_BINLOG_DUMP, got %#v", dumpFrame.Payload)
			return
		}

		tableMap := append(buildEventHeader(eventTableMapV1, 200), buildTableMapEventBody(55, "shop", "orders")...)
		if err := sendBinlogEventPacket(server, tableMap, 0, false); err != nil {
			backendDone <- err
			return
		}
		rowsEvt := append(buildEventHeader(eventWriteRowsV2, 300), buildRowsEventBody(55, 42)...)
		if err := sendBinlogEventPacket(server, rowsEvt, 0, false); err != nil {
			backendDone <- err
			return
		}
		xidEvt := append(buildEventHeader(eventXid, 400), buildXidEventBody(777)...)
		backendDone <- sendBinlogEventPacket(server, xidEvt, 0, false)
	}()

	v := <-sink.Events()
	re, ok := v.(event.RowEvent)
	if !ok {
		t.Fatalf("expected a RowEvent, got %#v", v)
	}
	if re.Table != "orders" || re.Database != "shop" || re.Op != event.OpInsert {
		t.Fatalf("unexpected RowEvent: %#v", re)
	}
	if re.TransactionID != "777" {
		t.Errorf("TransactionID = %q, want 777", re.TransactionID)
	}
	want := event.MySQLCursor("binlog.000001", 400)
	if re.Cursor != want {
		t.Errorf("Cursor = %v, want %v (the XID event's own log position)", re.Cursor, want)
	}

	if err := <-backendDone; err != nil {
		t.Fatalf("backend: %v", err)
	}

	close(stopCh)
	if err := <-streamDone; err != nil {
		t.Fatalf("Stream returned an error on stop: %v", err)
	}
}

func TestStreamRejectsChecksumMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := &Conn{cfg: &config.MySQLConfig{}, nc: client, rw: newConnRW(client), seq: &wire.SeqTracker{}, state: StateIdle}

	sink := event.NewSink(8)
	stopCh := make(chan struct{})
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- c.Stream(RegisterOptions{ServerID: 99, StartFile: "binlog.000001", StartPos: 4}, sink, nil, stopCh)
	}()

	go func() {
		_ = readComQuery(server)
		_ = sendOKPacket(server)
		_ = readComQuery(server)
		_ = sendTextResultSet(server, [][]string{{"binlog_checksum", "CRC32"}})
		_, _ = wire.ReadMySQLFrame(server) // COM_BINLOG_DUMP

		tableMap := append(buildEventHeader(eventTableMapV1, 200), buildTableMapEventBody(55, "shop", "orders")...)
		_ = sendBinlogEventPacket(server, tableMap, 4, true)
	}()

	var sawSentinel bool
	var sentinelErr error
	for v := range sink.Events() {
		if es, ok := v.(event.ErrorSentinel); ok {
			sawSentinel = true
			sentinelErr = es.Err
		}
	}
	if !sawSentinel {
		t.Fatal("expected an ErrorSentinel on a checksum mismatch")
	}
	if sentinelErr == nil || !contains(sentinelErr.Error(), "checksum_mismatch") {
		t.Errorf("sentinel error = %v, want it to mention checksum_mismatch", sentinelErr)
	}

	if err := <-streamDone; err == nil || !contains(err.Error(), "checksum_mismatch") {
		t.Errorf("Stream() error = %v, want a checksum_mismatch error", err)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestParseTruncateTable(t *testing.T) {
	tests := []struct {
		sql       string
		wantTable string
		wantOK    bool
	}{
		{"TRUNCATE TABLE `orders`", "orders", true},
		{"truncate orders", "orders", true},
		{"TRUNCATE TABLE orders;", "orders", true},
		{"TRUNCATE TABLE a, b", "", false},
		{"CREATE TABLE orders (id INT)", "", false},
	}
	for _, tt := range tests {
		table, ok := parseTruncateTable(tt.sql)
		if ok != tt.wantOK || table != tt.wantTable {
			t.Errorf("parseTruncateTable(%q) = (%q, %v), want (%q, %v)", tt.sql, table, ok, tt.wantTable, tt.wantOK)
		}
	}
}

func TestVerifyBinlogChecksum(t *testing.T) {
	body := []byte("some binlog event bytes")
	sum := crc32.ChecksumIEEE(body)
	trailer := binary.LittleEndian.AppendUint32(nil, sum)
	raw := append(append([]byte{}, body...), trailer...)

	if err := verifyBinlogChecksum(raw, 4); err != nil {
		t.Errorf("verifyBinlogChecksum with a matching trailer: %v", err)
	}

	badRaw := append(append([]byte{}, body...), byte(0), byte(0), byte(0), byte(0))
	if err := verifyBinlogChecksum(badRaw, 4); err == nil {
		t.Error("expected an error for a mismatched checksum trailer")
	}
}
