package mysqlproto

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dbbouncer/cdc/internal/cdcerr"
	"github.com/dbbouncer/cdc/internal/config"
	"github.com/dbbouncer/cdc/internal/wire"
)

// State is the lifecycle of one Conn, mirroring pgproto.State minus
// StateCancelled, since this package has no out-of-band cancel. Binlog
// streaming reuses the same command/response framing as any other command,
// just without a terminating OK/EOF packet until the caller stops reading.
type State int

const (
	StateStartup State = iota
	StateIdle
	StateInQuery
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateIdle:
		return "idle"
	case StateInQuery:
		return "in_query"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a single MySQL binlog-replication connection.
type Conn struct {
	cfg  *config.MySQLConfig
	nc   net.Conn
	rw   *connRW
	seq  *wire.SeqTracker
	user string

	state         State
	serverVersion string
	connectionID  uint32
}

type connRW struct {
	r *bufio.Reader
	w net.Conn
}

func newConnRW(nc net.Conn) *connRW { return &connRW{r: bufio.NewReader(nc), w: nc} }

func (rw *connRW) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw *connRW) Write(p []byte) (int, error) { return rw.w.Write(p) }

// Dial opens a TCP connection and authenticates via mysql_native_password.
// Adapted from internal/pool/pool.go's dial + authenticateMySQL.
func Dial(ctx context.Context, cfg *config.MySQLConfig) (*Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindConnectFailed, addr, err)
	}

	c := &Conn{
		cfg:   cfg,
		nc:    nc,
		rw:    newConnRW(nc),
		seq:   &wire.SeqTracker{},
		user:  cfg.User,
		state: StateStartup,
	}

	if err := c.authenticate(cfg.Password); err != nil {
		nc.Close()
		return nil, err
	}

	c.state = StateIdle
	return c, nil
}

// Query issues a text protocol COM_QUERY and returns result rows as raw
// text, used for SHOW MASTER STATUS / SHOW VARIABLES / SHOW SLAVE HOSTS.
func (c *Conn) Query(query string) ([][]string, error) {
	if c.state != StateIdle {
		return nil, cdcerr.New(cdcerr.KindProtocolError, fmt.Sprintf("Query called in state %s", c.state))
	}
	c.state = StateInQuery
	defer func() { c.state = StateIdle }()

	c.seq.Reset()
	payload := append([]byte{comQuery}, []byte(query)...)
	if err := wire.WriteMySQLFrame(c.rw, c.seq.NextSeq(), payload); err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindConnectFailed, "writing query", err)
	}

	first, err := wire.ReadMySQLFrame(c.rw)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading query response", err)
	}
	if err := c.seq.Check(first.Seq); err != nil {
		return nil, err
	}
	if len(first.Payload) == 0 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "empty query response")
	}
	if first.Payload[0] == 0xff {
		return nil, cdcerr.New(cdcerr.KindServerError, parseErrPacket(first.Payload))
	}
	if first.Payload[0] == 0x00 {
		return nil, nil // OK packet, no result set (e.g. a DDL/DML statement)
	}

	numCols, _, _, err := wire.ReadLenEncInt(first.Payload)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading column count", err)
	}

	// Column definition packets, one per column, ignored (we only need the
	// textual values for the catalog queries this method serves).
	for i := uint64(0); i < numCols; i++ {
		f, err := wire.ReadMySQLFrame(c.rw)
		if err != nil {
			return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading column definition", err)
		}
		if err := c.seq.Check(f.Seq); err != nil {
			return nil, err
		}
	}

	// EOF (pre-5.7 style) or the end of the column-def phase when
	// CLIENT_DEPRECATE_EOF is off; our HandshakeResponse never sets that
	// capability so the server always sends an EOF here.
	eofFrame, err := wire.ReadMySQLFrame(c.rw)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading column-def EOF", err)
	}
	if err := c.seq.Check(eofFrame.Seq); err != nil {
		return nil, err
	}

	var rows [][]string
	for {
		f, err := wire.ReadMySQLFrame(c.rw)
		if err != nil {
			return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading result row", err)
		}
		if err := c.seq.Check(f.Seq); err != nil {
			return nil, err
		}
		if len(f.Payload) > 0 && (f.Payload[0] == 0xfe && len(f.Payload) < 9) {
			break // EOF packet terminates the result set
		}
		if len(f.Payload) > 0 && f.Payload[0] == 0xff {
			return nil, cdcerr.New(cdcerr.KindServerError, parseErrPacket(f.Payload))
		}
		row, err := decodeTextResultRow(f.Payload, int(numCols))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeTextResultRow(payload []byte, numCols int) ([]string, error) {
	row := make([]string, numCols)
	b := payload
	for i := 0; i < numCols; i++ {
		val, n, isNull, err := wire.ReadLenEncString(b)
		if err != nil {
			return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "decoding text result row", err)
		}
		if isNull {
			row[i] = ""
		} else {
			row[i] = string(val)
		}
		b = b[n:]
	}
	return row, nil
}

// SwitchToReplica lists the replicas attached to the server this Conn is
// currently talking to (SHOW REPLICAS, falling back to the legacy SHOW
// SLAVE HOSTS on servers that predate MySQL 8.0.22), dials the first one
// that accepts a connection, and returns the new Conn. The receiver c is
// closed before SwitchToReplica returns, whether or not a replica was
// found.
func (c *Conn) SwitchToReplica(ctx context.Context) (*Conn, error) {
	defer c.Close()

	rows, err := c.Query("SHOW REPLICAS")
	if err != nil {
		rows, err = c.Query("SHOW SLAVE HOSTS")
		if err != nil {
			return nil, cdcerr.Wrap(cdcerr.KindServerError, "listing replicas", err)
		}
	}
	if len(rows) == 0 {
		return nil, cdcerr.New(cdcerr.KindSchemaMissing, "server reports no attached replicas")
	}

	var lastErr error
	for _, row := range rows {
		// Both SHOW REPLICAS and SHOW SLAVE HOSTS report (id, host, port, ...)
		// in that column order.
		if len(row) < 3 {
			continue
		}
		host := row[1]
		port, convErr := strconv.Atoi(row[2])
		if convErr != nil || host == "" {
			continue
		}

		replicaCfg := *c.cfg
		replicaCfg.Host = host
		replicaCfg.Port = port
		replica, dialErr := Dial(ctx, &replicaCfg)
		if dialErr != nil {
			lastErr = dialErr
			continue
		}
		return replica, nil
	}

	if lastErr == nil {
		lastErr = cdcerr.New(cdcerr.KindProtocolError, "no advertised replica had a usable host:port")
	}
	return nil, cdcerr.Wrap(cdcerr.KindConnectFailed, "no advertised replica was reachable", lastErr)
}

// SetDeadline propagates a read/write deadline to the underlying socket.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// Close terminates the connection. Safe to call more than once.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.nc.Close()
}

func (c *Conn) State() State { return c.state }
