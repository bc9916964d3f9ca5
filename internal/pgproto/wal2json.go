package pgproto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbbouncer/cdc/internal/cdcerr"
	"github.com/dbbouncer/cdc/internal/event"
)

// wal2json v2 message shapes (format-version '2', include-transaction
// 'true'): one JSON object per message, actions B(egin)/C(ommit) bracket a
// transaction's I/U/D/T change messages.
type wal2jsonMessage struct {
	Action string `json:"action"`

	// Begin/Commit fields.
	Xid       int64  `json:"xid"`
	Timestamp string `json:"timestamp"`

	// Change fields (I/U/D/T).
	Schema  string           `json:"schema"`
	Table   string           `json:"table"`
	Columns []wal2jsonColumn `json:"columns"`
	Identity []wal2jsonColumn `json:"identity"`
}

type wal2jsonColumn struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Value    interface{} `json:"value"`
}

// txState tracks the in-flight wal2json transaction so that every RowEvent
// produced between a 'B' and its matching 'C' shares one TransactionID, per
// spec §3's RowEvent.TransactionID field.
type txState struct {
	xid       int64
	timestamp string
}

// decodeWal2JSON parses one wal2json v2 JSON payload and returns the
// RowEvents it represents (Begin/Commit produce none; each I/U/D/T message
// produces exactly one, a Truncate naming its single schema/table). Transaction
// state is kept on the Conn so two engines running in the same process
// never share it.
func (c *Conn) decodeWal2JSON(payload []byte, lsn uint64) ([]event.RowEvent, error) {
	var msg wal2jsonMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindDecodeError, "wal2json payload", err)
	}

	switch msg.Action {
	case "B":
		c.tx = &txState{xid: msg.Xid, timestamp: msg.Timestamp}
		return nil, nil
	case "C":
		c.tx = nil
		return nil, nil
	case "I", "U", "D", "T":
		return c.decodeWal2JSONChange(&msg, lsn)
	default:
		return nil, cdcerr.New(cdcerr.KindDecodeError, fmt.Sprintf("unknown wal2json action %q", msg.Action))
	}
}

func (c *Conn) decodeWal2JSONChange(msg *wal2jsonMessage, lsn uint64) ([]event.RowEvent, error) {
	var txID string
	var wallTime int64
	if c.tx != nil {
		txID = fmt.Sprintf("%d", c.tx.xid)
		wallTime = parseWal2JSONTimestamp(c.tx.timestamp)
	}

	base := event.RowEvent{
		Cursor:        event.PGCursor(lsn, 0),
		WallTimeMs:    wallTime,
		TransactionID: txID,
		Database:      msg.Schema,
		Table:         msg.Table,
	}

	switch msg.Action {
	case "I":
		row, err := decodeWal2JSONRow(msg.Columns)
		if err != nil {
			return nil, err
		}
		base.Op = event.OpInsert
		base.After = row
	case "U":
		after, err := decodeWal2JSONRow(msg.Columns)
		if err != nil {
			return nil, err
		}
		base.Op = event.OpUpdate
		base.After = after
		if len(msg.Identity) > 0 {
			before, err := decodeWal2JSONRow(msg.Identity)
			if err != nil {
				return nil, err
			}
			base.Before = before
		}
	case "D":
		base.Op = event.OpDelete
		if len(msg.Identity) > 0 {
			before, err := decodeWal2JSONRow(msg.Identity)
			if err != nil {
				return nil, err
			}
			base.Before = before
		}
	case "T":
		base.Op = event.OpTruncate
	}

	return []event.RowEvent{base}, nil
}

// parseWal2JSONTimestamp best-effort parses wal2json's
// "2023-01-01 00:00:00.000000+00" timestamp into epoch milliseconds,
// falling back to 0 (the caller still has the LSN for ordering).
func parseWal2JSONTimestamp(s string) int64 {
	if s == "" {
		return 0
	}
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999-07",
		"2006-01-02 15:04:05-07",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func decodeWal2JSONRow(cols []wal2jsonColumn) (*event.Row, error) {
	values := make([]event.Value, len(cols))
	partial := false
	for i, col := range cols {
		v, isPartial := decodeWal2JSONValue(col)
		values[i] = v
		partial = partial || isPartial
	}
	return &event.Row{Values: values, Partial: partial}, nil
}

// decodeWal2JSONValue maps one wal2json column onto the standardized Value
// union per spec §3's type table. Types wal2json itself does not recognize,
// or whose JSON shape doesn't match the expected source type, fall back to
// a String rendering with the row's Partial flag set.
func decodeWal2JSONValue(col wal2jsonColumn) (event.Value, bool) {
	if col.Value == nil {
		return event.Null(), false
	}

	switch baseType(col.Type) {
	case "int2", "int4", "int8", "smallint", "integer", "bigint", "serial", "bigserial":
		switch v := col.Value.(type) {
		case float64:
			return event.Int(int64(v)), false
		case json.Number:
			n, _ := v.Int64()
			return event.Int(n), false
		}
	case "float4", "float8", "real", "double precision":
		if v, ok := col.Value.(float64); ok {
			return event.Float(v), false
		}
	case "numeric", "decimal":
		if s, ok := col.Value.(string); ok {
			if _, err := decimal.NewFromString(s); err == nil {
				return event.Decimal(s), false
			}
		}
		if v, ok := col.Value.(float64); ok {
			return event.Decimal(decimal.NewFromFloat(v).String()), false
		}
	case "bool", "boolean":
		if v, ok := col.Value.(bool); ok {
			return event.Bool(v), false
		}
	case "bytea":
		if s, ok := col.Value.(string); ok {
			return event.Bytes([]byte(s)), false
		}
	case "date":
		if s, ok := col.Value.(string); ok {
			return event.Date(s), false
		}
	case "time", "timetz", "time without time zone", "time with time zone":
		if s, ok := col.Value.(string); ok {
			return event.Time(s), false
		}
	case "timestamp", "timestamp without time zone":
		if s, ok := col.Value.(string); ok {
			return event.DateTime(s, false), false
		}
	case "timestamptz", "timestamp with time zone":
		if s, ok := col.Value.(string); ok {
			return event.DateTime(s, true), false
		}
	case "json", "jsonb":
		if raw, err := json.Marshal(col.Value); err == nil {
			return event.JSON(raw), false
		}
	case "text", "varchar", "char", "bpchar", "uuid", "character varying", "character":
		if s, ok := col.Value.(string); ok {
			return event.String(s), false
		}
	}

	// Unrecognized type or shape mismatch: fall back to a string rendering
	// of whatever JSON value arrived, marked partial per spec §3.
	if s, ok := col.Value.(string); ok {
		return event.String(s), true
	}
	raw, _ := json.Marshal(col.Value)
	return event.String(string(raw)), true
}

// baseType strips a length/precision suffix like "numeric(10,2)" or
// "character varying(255)" down to its bare type name for the switch above.
func baseType(t string) string {
	for i, r := range t {
		if r == '(' {
			return t[:i]
		}
	}
	return t
}
