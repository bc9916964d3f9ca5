package pgproto

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dbbouncer/cdc/internal/cdcerr"
	"github.com/dbbouncer/cdc/internal/event"
	"github.com/dbbouncer/cdc/internal/wire"
)

// SystemIdentification is the result of IDENTIFY_SYSTEM.
type SystemIdentification struct {
	SystemID string
	Timeline uint32
	XLogPos  uint64
	DBName   string
}

// IdentifySystem runs the IDENTIFY_SYSTEM replication command.
func (c *Conn) IdentifySystem() (*SystemIdentification, error) {
	rows, err := c.Query("IDENTIFY_SYSTEM")
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 || len(rows[0]) < 3 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "IDENTIFY_SYSTEM returned unexpected row shape")
	}
	row := rows[0]
	timeline, _ := strconv.ParseUint(row[1], 10, 32)
	lsn, err := ParseLSN(row[2])
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "parsing IDENTIFY_SYSTEM xlogpos", err)
	}
	si := &SystemIdentification{SystemID: row[0], Timeline: uint32(timeline), XLogPos: lsn}
	if len(row) >= 4 {
		si.DBName = row[3]
	}
	return si, nil
}

// SlotExists checks pg_replication_slots for the named slot.
func (c *Conn) SlotExists(slotName string) (bool, error) {
	rows, err := c.Query(fmt.Sprintf("SELECT 1 FROM pg_replication_slots WHERE slot_name = '%s'", escapeLiteral(slotName)))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// CreateReplicationSlot creates a logical replication slot using the
// wal2json output plugin. Returns the LSN at which the slot's logical
// decoding began (consistent_point).
func (c *Conn) CreateReplicationSlot(slotName string, temporary bool) (uint64, error) {
	temp := ""
	if temporary {
		temp = "TEMPORARY"
	}
	query := fmt.Sprintf("CREATE_REPLICATION_SLOT %s %s LOGICAL wal2json", quoteIdent(slotName), temp)
	rows, err := c.Query(query)
	if err != nil {
		return 0, err
	}
	if len(rows) != 1 || len(rows[0]) < 2 {
		return 0, cdcerr.New(cdcerr.KindProtocolError, "CREATE_REPLICATION_SLOT returned unexpected row shape")
	}
	return ParseLSN(rows[0][1])
}

// DropReplicationSlot drops a previously-created slot.
func (c *Conn) DropReplicationSlot(slotName string) error {
	_, err := c.Query(fmt.Sprintf("DROP_REPLICATION_SLOT %s", quoteIdent(slotName)))
	return err
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// ParseLSN parses a PostgreSQL LSN string "XXXXXXXX/XXXXXXXX" into a uint64.
func ParseLSN(s string) (uint64, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed LSN %q", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed LSN high word %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed LSN low word %q: %w", s, err)
	}
	return hi<<32 | lo, nil
}

// FormatLSN renders a uint64 LSN back into PostgreSQL's "XXXXXXXX/XXXXXXXX"
// textual form.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

const (
	xLogDataTag          = 'w'
	primaryKeepaliveTag  = 'k'
	standbyStatusUpdate  = 'r'
	pgEpoch              = 946684800000000 // microseconds between Unix epoch and 2000-01-01, PG's epoch
)

// StreamOptions configures one START_REPLICATION streaming session.
type StreamOptions struct {
	SlotName       string
	StartLSN       uint64
	StatusInterval time.Duration
}

// Stream runs START_REPLICATION LOGICAL and drives the XLogData /
// PrimaryKeepaliveMessage / StandbyStatusUpdate loop until stopCh fires or
// an unrecoverable error occurs, publishing decoded RowEvents to sink.
// flushedLSN reported in each StandbyStatusUpdate tracks sink.Committed,
// not receivedLSN — the primary only learns a position is durable once the
// caller has called sink.Commit with a cursor at or past it, which is what
// lets a slow or stalled consumer apply backpressure through the
// replication protocol's own flow control instead of silently acking
// everything it has merely decoded.
func (c *Conn) Stream(opts StreamOptions, sink *event.Sink, stopCh <-chan struct{}) error {
	query := fmt.Sprintf("START_REPLICATION SLOT %s LOGICAL %s (\"format-version\" '2', \"include-transaction\" 'true')",
		quoteIdent(opts.SlotName), FormatLSN(opts.StartLSN))
	if err := wire.WritePGFrame(c.rw, 'Q', wire.PutCString(nil, query)); err != nil {
		return cdcerr.Wrap(cdcerr.KindConnectFailed, "sending START_REPLICATION", err)
	}

	frame, err := wire.ReadPGFrame(c.rw)
	if err != nil {
		return cdcerr.Wrap(cdcerr.KindProtocolError, "reading START_REPLICATION response", err)
	}
	if frame.Tag == 'E' {
		return cdcerr.New(cdcerr.KindProtocolError, parseErrorMessage(frame.Body))
	}
	if frame.Tag != 'W' {
		return cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("expected CopyBothResponse ('W'), got %q", frame.Tag))
	}

	c.state = StateStreaming
	receivedLSN := opts.StartLSN

	statusTicker := time.NewTicker(opts.StatusInterval)
	defer statusTicker.Stop()

	sendStatus := func() error {
		flushedLSN := opts.StartLSN
		if committed, ok := sink.Committed(); ok {
			flushedLSN = committed.LSN
		}
		return c.sendStandbyStatusUpdate(receivedLSN, flushedLSN, flushedLSN)
	}

	type readResult struct {
		frame wire.PGFrame
		err   error
	}
	frames := make(chan readResult, 1)
	go func() {
		for {
			f, err := wire.ReadPGFrame(c.rw)
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
		case <-statusTicker.C:
			if err := sendStatus(); err != nil {
				sink.Fail(err)
				return cdcerr.Wrap(cdcerr.KindConnectFailed, "sending standby status update", err)
			}
		case res := <-frames:
			if res.err != nil {
				sink.Fail(res.err)
				return cdcerr.Wrap(cdcerr.KindProtocolError, "reading replication stream", res.err)
			}
			if res.frame.Tag != 'd' {
				continue // CopyData is the only expected tag during streaming
			}
			body := res.frame.Body
			if len(body) == 0 {
				continue
			}
			switch body[0] {
			case xLogDataTag:
				lsn, changesetEvents, err := c.decodeXLogData(body[1:])
				if err != nil {
					sink.Fail(err)
					return err
				}
				if lsn > receivedLSN {
					receivedLSN = lsn
				}
				for _, e := range changesetEvents {
					sink.Emit(e)
				}
			case primaryKeepaliveTag:
				if len(body) < 18 {
					continue
				}
				serverLSN := binary.BigEndian.Uint64(body[1:9])
				replyRequested := body[17] != 0
				if serverLSN > receivedLSN {
					receivedLSN = serverLSN
				}
				if replyRequested {
					if err := sendStatus(); err != nil {
						sink.Fail(err)
						return cdcerr.Wrap(cdcerr.KindConnectFailed, "replying to keepalive", err)
					}
				}
			}
		}
	}
}

// decodeXLogData parses an XLogData submessage header (startLSN, endLSN,
// sendTime) and hands the wal2json payload to decodeWal2JSON.
func (c *Conn) decodeXLogData(body []byte) (uint64, []event.RowEvent, error) {
	if len(body) < 24 {
		return 0, nil, cdcerr.New(cdcerr.KindProtocolError, "XLogData header truncated")
	}
	startLSN := binary.BigEndian.Uint64(body[0:8])
	payload := body[24:]
	events, err := c.decodeWal2JSON(payload, startLSN)
	if err != nil {
		return startLSN, nil, err
	}
	return startLSN, events, nil
}

// sendStandbyStatusUpdate writes a CopyData-wrapped StandbyStatusUpdate
// message ('r') with the three LSN positions and the current timestamp in
// PostgreSQL's microseconds-since-2000 epoch.
func (c *Conn) sendStandbyStatusUpdate(written, flushed, applied uint64) error {
	var msg []byte
	msg = append(msg, standbyStatusUpdate)
	msg = binary.BigEndian.AppendUint64(msg, written)
	msg = binary.BigEndian.AppendUint64(msg, flushed)
	msg = binary.BigEndian.AppendUint64(msg, applied)
	msg = binary.BigEndian.AppendUint64(msg, uint64(time.Now().UnixMicro()-pgEpoch))
	msg = append(msg, 0) // reply requested: false
	return wire.WritePGFrame(c.rw, 'd', msg)
}
