package mysqlproto

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/dbbouncer/cdc/internal/cdcerr"
	"github.com/dbbouncer/cdc/internal/event"
	"github.com/dbbouncer/cdc/internal/wire"
)

// MySQL command bytes this client issues.
const (
	comQuery        = 0x03
	comRegisterSlave = 0x15
	comBinlogDump    = 0x12
	comBinlogDumpGTID = 0x1e
)

// Binlog event type codes this decoder recognizes (spec §4.2).
const (
	eventRotate            = 4
	eventFormatDescription = 15
	eventQuery             = 2
	eventXid               = 16
	eventTableMapV1        = 19
	eventHeartbeatV1       = 27
	eventWriteRowsV2       = 30
	eventUpdateRowsV2      = 31
	eventDeleteRowsV2      = 32
	eventGTID              = 33
	eventAnonymousGTID     = 34
	eventPreviousGTIDs     = 35
)

const binlogEventHeaderSize = 19

// eventHeader is the common 19-byte header prefixing every binlog event.
type eventHeader struct {
	Timestamp uint32
	EventType byte
	ServerID  uint32
	EventSize uint32
	NextPos   uint32
	Flags     uint16
}

func parseEventHeader(b []byte) (eventHeader, error) {
	if len(b) < binlogEventHeaderSize {
		return eventHeader{}, cdcerr.New(cdcerr.KindProtocolError, "binlog event header truncated")
	}
	return eventHeader{
		Timestamp: binary.LittleEndian.Uint32(b[0:4]),
		EventType: b[4],
		ServerID:  binary.LittleEndian.Uint32(b[5:9]),
		EventSize: binary.LittleEndian.Uint32(b[9:13]),
		NextPos:   binary.LittleEndian.Uint32(b[13:17]),
		Flags:     binary.LittleEndian.Uint16(b[17:19]),
	}, nil
}

// RegisterOptions configures COM_REGISTER_SLAVE / COM_BINLOG_DUMP.
type RegisterOptions struct {
	ServerID  uint32
	StartFile string
	StartPos  uint32
}

// Register announces this client as a replica (COM_REGISTER_SLAVE), which
// makes it visible in SHOW REPLICAS on the source — optional for streaming
// itself but expected of a well-behaved replica.
func (c *Conn) Register(opts RegisterOptions) error {
	if c.state != StateIdle {
		return cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("Register called in state %s", c.state))
	}
	c.seq.Reset()

	var body []byte
	body = append(body, comRegisterSlave)
	body = binary.LittleEndian.AppendUint32(body, opts.ServerID)
	body = append(body, 0) // reports-host length 0
	body = append(body, 0) // reports-user length 0
	body = append(body, 0) // reports-password length 0
	body = binary.LittleEndian.AppendUint16(body, 0) // reports-port
	body = binary.LittleEndian.AppendUint32(body, 0) // replication rank (unused)
	body = binary.LittleEndian.AppendUint32(body, 0) // master id (unused)

	if err := wire.WriteMySQLFrame(c.rw, c.seq.NextSeq(), body); err != nil {
		return cdcerr.Wrap(cdcerr.KindConnectFailed, "writing COM_REGISTER_SLAVE", err)
	}
	frame, err := wire.ReadMySQLFrame(c.rw)
	if err != nil {
		return cdcerr.Wrap(cdcerr.KindConnectFailed, "reading COM_REGISTER_SLAVE response", err)
	}
	if len(frame.Payload) > 0 && frame.Payload[0] == 0xff {
		return cdcerr.New(cdcerr.KindServerError, parseErrPacket(frame.Payload))
	}
	return nil
}

// negotiateChecksum queries @@GLOBAL.BINLOG_CHECKSUM to learn how many trailing
// bytes of each event are a CRC32 checksum (4) or absent (0), per spec §9's
// checksum-negotiation design note. It also tells the server this client
// understands checksums via @master_binlog_checksum, without which a
// checksum-enabled server refuses to stream at all.
func (c *Conn) negotiateChecksum() (int, error) {
	if _, err := c.Query("SET @master_binlog_checksum = 'CRC32'"); err != nil {
		return 0, cdcerr.Wrap(cdcerr.KindConnectFailed, "negotiating binlog checksum", err)
	}
	rows, err := c.Query("SHOW GLOBAL VARIABLES LIKE 'binlog_checksum'")
	if err != nil {
		return 0, cdcerr.Wrap(cdcerr.KindConnectFailed, "reading binlog_checksum", err)
	}
	if len(rows) != 1 || len(rows[0]) < 2 {
		return 0, nil // older server with no checksum support: none
	}
	if strings.EqualFold(rows[0][1], "CRC32") {
		return 4, nil
	}
	return 0, nil
}

// SchemaHintFunc is called for CREATE/ALTER/DROP/RENAME TABLE DDL seen in a
// QUERY_EVENT, which this decoder does not attempt to parse — callers that
// need up-to-date Schema metadata should re-query information_schema when
// they see one. TRUNCATE is not reported this way; it becomes a dedicated
// RowEvent (event.OpTruncate) on the Sink instead, since the event model
// already has a slot for it.
type SchemaHintFunc func(database, rawSQL string)

// Stream issues COM_BINLOG_DUMP and decodes the event stream until stopCh
// fires or an unrecoverable error occurs, publishing RowEvents to sink.
// Row events are buffered per transaction and only published once the
// closing XID_EVENT is observed, stamped with that transaction's id and a
// cursor pinned to the XID event's own log position — a consumer that
// commits the last cursor it saw from sink never replays a partial
// transaction.
func (c *Conn) Stream(opts RegisterOptions, sink *event.Sink, onSchemaHint SchemaHintFunc, stopCh <-chan struct{}) error {
	checksumLen, err := c.negotiateChecksum()
	if err != nil {
		return err
	}

	c.seq.Reset()
	var body []byte
	body = append(body, comBinlogDump)
	body = binary.LittleEndian.AppendUint32(body, opts.StartPos)
	body = binary.LittleEndian.AppendUint16(body, 0) // flags
	body = binary.LittleEndian.AppendUint32(body, opts.ServerID)
	body = append(body, opts.StartFile...)

	if err := wire.WriteMySQLFrame(c.rw, c.seq.NextSeq(), body); err != nil {
		return cdcerr.Wrap(cdcerr.KindConnectFailed, "writing COM_BINLOG_DUMP", err)
	}

	c.state = StateStreaming
	cache := newTableMapCache()
	currentFile := opts.StartFile
	var txBuffer []event.RowEvent

	type readResult struct {
		frame wire.MySQLFrame
		err   error
	}
	frames := make(chan readResult, 1)
	go func() {
		for {
			f, err := wire.ReadMySQLFrame(c.rw)
			frames <- readResult{f, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-stopCh:
			c.state = StateIdle
			sink.Close()
			return nil
		case res := <-frames:
			if res.err != nil {
				sink.Fail(res.err)
				return cdcerr.Wrap(cdcerr.KindProtocolError, "reading binlog stream", res.err)
			}
			payload := res.frame.Payload
			if len(payload) == 0 {
				continue
			}
			switch payload[0] {
			case 0xff:
				err := cdcerr.New(cdcerr.KindServerError, parseErrPacket(payload))
				sink.Fail(err)
				return err
			case 0xfe:
				// EOF: the server has no more events buffered right now but
				// the connection stays open (non-blocking dump flag unset
				// means this shouldn't normally happen on a live stream).
				continue
			case 0x00:
				raw := payload[1:]
				if checksumLen > 0 {
					if verifyErr := verifyBinlogChecksum(raw, checksumLen); verifyErr != nil {
						sink.Fail(verifyErr)
						return verifyErr
					}
					raw = raw[:len(raw)-checksumLen]
				}
				outcome, err := c.decodeBinlogEvent(raw, cache, currentFile, onSchemaHint)
				if err != nil {
					sink.Fail(err)
					return err
				}
				if outcome.rotatedFile != "" {
					currentFile = outcome.rotatedFile
				}
				txBuffer = append(txBuffer, outcome.rowEvents...)
				if outcome.xid != "" {
					for i := range txBuffer {
						txBuffer[i].TransactionID = outcome.xid
						txBuffer[i].Cursor = event.MySQLCursor(currentFile, outcome.xidLogPos)
						sink.Emit(txBuffer[i])
					}
					txBuffer = txBuffer[:0]
				}
			}
		}
	}
}

// verifyBinlogChecksum recomputes the CRC32 (IEEE) over a binlog event's
// bytes (including its header, excluding the trailing checksum itself) and
// compares it against the checksumLen-byte trailer the server appended.
func verifyBinlogChecksum(raw []byte, checksumLen int) error {
	if len(raw) < checksumLen {
		return cdcerr.New(cdcerr.KindProtocolError, "checksum_mismatch: event shorter than checksum trailer")
	}
	body := raw[:len(raw)-checksumLen]
	trailer := raw[len(raw)-checksumLen:]
	want := binary.LittleEndian.Uint32(trailer)
	got := crc32.ChecksumIEEE(body)
	if got != want {
		return cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("checksum_mismatch: computed %08x, server sent %08x", got, want))
	}
	return nil
}

// binlogEventOutcome is what decodeBinlogEvent extracted from one event:
// zero or more RowEvents still waiting for their transaction's XID_EVENT,
// and — when this event *was* the XID_EVENT — the transaction id and log
// position to stamp onto everything buffered so far.
type binlogEventOutcome struct {
	rotatedFile string
	rowEvents   []event.RowEvent
	xid         string
	xidLogPos   uint32
}

// decodeBinlogEvent dispatches one decoded event (checksum already
// stripped) by type.
func (c *Conn) decodeBinlogEvent(raw []byte, cache *tableMapCache, currentFile string, onSchemaHint SchemaHintFunc) (binlogEventOutcome, error) {
	hdr, err := parseEventHeader(raw)
	if err != nil {
		return binlogEventOutcome{}, err
	}
	body := raw[binlogEventHeaderSize:]

	switch hdr.EventType {
	case eventRotate:
		return binlogEventOutcome{rotatedFile: string(body[8:])}, nil
	case eventFormatDescription, eventHeartbeatV1, eventPreviousGTIDs, eventGTID, eventAnonymousGTID:
		return binlogEventOutcome{}, nil
	case eventXid:
		if len(body) < 8 {
			return binlogEventOutcome{}, cdcerr.New(cdcerr.KindProtocolError, "XID_EVENT truncated")
		}
		xid := binary.LittleEndian.Uint64(body[0:8])
		return binlogEventOutcome{xid: strconv.FormatUint(xid, 10), xidLogPos: hdr.NextPos}, nil
	case eventQuery:
		db, sql := decodeQueryEvent(body)
		if truncTable, ok := parseTruncateTable(sql); ok {
			return binlogEventOutcome{rowEvents: []event.RowEvent{{
				Cursor:   event.MySQLCursor(currentFile, hdr.NextPos),
				Database: db,
				Table:    truncTable,
				Op:       event.OpTruncate,
			}}}, nil
		}
		if isDDLWorthFlagging(sql) && onSchemaHint != nil {
			onSchemaHint(db, sql)
		}
		return binlogEventOutcome{}, nil
	case eventTableMapV1:
		entry, err := decodeTableMapEvent(body)
		if err != nil {
			return binlogEventOutcome{}, err
		}
		cache.put(entry)
		return binlogEventOutcome{}, nil
	case eventWriteRowsV2, eventUpdateRowsV2, eventDeleteRowsV2:
		events, err := decodeRowsEventV2(hdr.EventType, body, cache, currentFile, hdr.NextPos, int64(hdr.Timestamp)*1000)
		if err != nil {
			return binlogEventOutcome{}, err
		}
		return binlogEventOutcome{rowEvents: events}, nil
	default:
		return binlogEventOutcome{}, nil
	}
}

// decodeQueryEvent extracts the default database and the SQL text from a
// QUERY_EVENT body, skipping its status-variable block.
func decodeQueryEvent(body []byte) (db, sql string) {
	if len(body) < 13 {
		return "", ""
	}
	dbLen := int(body[4])
	statusVarsLen := binary.LittleEndian.Uint16(body[5:7])
	off := 13 + int(statusVarsLen)
	if off > len(body) {
		return "", ""
	}
	if off+dbLen > len(body) {
		return "", ""
	}
	db = string(body[off : off+dbLen])
	off += dbLen + 1 // skip the NUL terminator
	if off > len(body) {
		return db, ""
	}
	sql = string(body[off:])
	return db, sql
}

// isDDLWorthFlagging reports whether a QUERY_EVENT's SQL text is
// schema-affecting DDL worth surfacing to the caller as a SchemaHint. This
// decoder makes no attempt at full DDL parsing, so the caller is expected to
// re-read catalog metadata itself rather than trust any field-level detail
// parsed out of the statement.
func isDDLWorthFlagging(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	for _, prefix := range []string{"CREATE TABLE", "ALTER TABLE", "DROP TABLE", "RENAME TABLE"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// parseTruncateTable recognizes a bare "TRUNCATE [TABLE] name" statement and
// returns the table name, unquoted of backticks. Anything more elaborate
// (multiple tables, TRUNCATE PARTITION) is left unrecognized and falls
// through to the caller unreported, since this decoder doesn't parse SQL in
// general.
func parseTruncateTable(sql string) (string, bool) {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "TRUNCATE") {
		return "", false
	}
	rest := strings.TrimSpace(trimmed[len("TRUNCATE"):])
	if strings.HasPrefix(strings.ToUpper(rest), "TABLE") {
		rest = strings.TrimSpace(rest[len("TABLE"):])
	}
	rest = strings.TrimSuffix(rest, ";")
	rest = strings.Trim(rest, "`")
	if rest == "" || strings.ContainsAny(rest, " ,") {
		return "", false
	}
	return rest, true
}
