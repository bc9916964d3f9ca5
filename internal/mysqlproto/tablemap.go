package mysqlproto

import (
	"encoding/binary"
	"sync"

	"github.com/dbbouncer/cdc/internal/cdcerr"
	"github.com/dbbouncer/cdc/internal/wire"
)

// MySQL column type codes this decoder maps to a standardized Value Kind
// (spec §4.2's RowsEvent v2 column table).
const (
	colTypeDecimal   = 0
	colTypeTiny      = 1
	colTypeShort     = 2
	colTypeLong      = 3
	colTypeFloat     = 4
	colTypeDouble    = 5
	colTypeNull      = 6
	colTypeTimestamp = 7
	colTypeLongLong  = 8
	colTypeInt24     = 9
	colTypeDate      = 10
	colTypeTime      = 11
	colTypeDatetime  = 12
	colTypeYear      = 13
	colTypeNewDate   = 14
	colTypeVarchar   = 15
	colTypeBit       = 16
	colTypeTimestamp2 = 17
	colTypeDatetime2  = 18
	colTypeTime2      = 19
	colTypeJSON       = 245
	colTypeNewDecimal = 246
	colTypeEnum       = 247
	colTypeSet        = 248
	colTypeTinyBlob   = 249
	colTypeMediumBlob = 250
	colTypeLongBlob   = 251
	colTypeBlob       = 252
	colTypeVarString  = 253
	colTypeString     = 254
	colTypeGeometry   = 255
)

// tableMapEntry is the cached shape of one table as published by its most
// recent TABLE_MAP_EVENT — table_id -> shape mapping per spec §4.2, since
// ROWS_EVENTs reference a table only by table_id.
type tableMapEntry struct {
	TableID  uint64
	Database string
	Table    string
	// ColumnTypes holds each column's raw type code, metadata bytes stripped
	// out, used to decode ROWS_EVENT column values.
	ColumnTypes []byte
	ColumnMeta  [][]byte
	Nullable    []bool
	// ColumnNames is populated only when optional_metadata carries
	// COLUMN_NAME fields (binlog_row_metadata=FULL); nil otherwise.
	ColumnNames []string
}

type tableMapCache struct {
	mu      sync.Mutex
	entries map[uint64]*tableMapEntry
}

func newTableMapCache() *tableMapCache {
	return &tableMapCache{entries: make(map[uint64]*tableMapEntry)}
}

func (c *tableMapCache) put(e *tableMapEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.TableID] = e
}

func (c *tableMapCache) get(tableID uint64) (*tableMapEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tableID]
	return e, ok
}

// decodeTableMapEvent parses a TABLE_MAP_EVENT body (header already
// stripped) into a tableMapEntry. optional_metadata (present when
// binlog_row_metadata=FULL) is scanned only for COLUMN_NAME (type 1); other
// sub-fields (signedness, charsets, enum/set string values, PK layout) are
// skipped since this decoder never needs them to produce a standardized
// Value.
func decodeTableMapEvent(body []byte) (*tableMapEntry, error) {
	if len(body) < 8 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "TABLE_MAP_EVENT truncated at table id")
	}
	var tableIDBuf [8]byte
	copy(tableIDBuf[:6], body[0:6])
	tableID := binary.LittleEndian.Uint64(tableIDBuf[:])
	b := body[6:]

	if len(b) < 2 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "TABLE_MAP_EVENT truncated at flags")
	}
	b = b[2:] // flags

	dbLen := int(b[0])
	b = b[1:]
	if len(b) < dbLen+1 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "TABLE_MAP_EVENT truncated at schema name")
	}
	database := string(b[:dbLen])
	b = b[dbLen+1:] // +1 for the trailing filler NUL

	tableLen := int(b[0])
	b = b[1:]
	if len(b) < tableLen+1 {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "TABLE_MAP_EVENT truncated at table name")
	}
	table := string(b[:tableLen])
	b = b[tableLen+1:]

	numCols, n, _, err := wire.ReadLenEncInt(b)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading column count", err)
	}
	b = b[n:]

	if len(b) < int(numCols) {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "TABLE_MAP_EVENT truncated at column-type array")
	}
	colTypes := append([]byte{}, b[:numCols]...)
	b = b[numCols:]

	metaLen, n, _, err := wire.ReadLenEncInt(b)
	if err != nil {
		return nil, cdcerr.Wrap(cdcerr.KindProtocolError, "reading metadata length", err)
	}
	b = b[n:]
	if len(b) < int(metaLen) {
		return nil, cdcerr.New(cdcerr.KindProtocolError, "TABLE_MAP_EVENT truncated at metadata block")
	}
	metaBlock := b[:metaLen]
	b = b[metaLen:]

	colMeta := splitColumnMeta(colTypes, metaBlock)

	nullBitmapSize := wire.NullBitmapSize(int(numCols), 0)
	var nullable []bool
	if len(b) >= nullBitmapSize {
		nullBitmap := b[:nullBitmapSize]
		nullable = make([]bool, numCols)
		for i := 0; i < int(numCols); i++ {
			nullable[i] = wire.BitmapSet(nullBitmap, i)
		}
		b = b[nullBitmapSize:]
	}

	entry := &tableMapEntry{
		TableID:     tableID,
		Database:    database,
		Table:       table,
		ColumnTypes: colTypes,
		ColumnMeta:  colMeta,
		Nullable:    nullable,
	}
	entry.ColumnNames = parseOptionalColumnNames(b, int(numCols))
	return entry, nil
}

// splitColumnMeta carves the opaque metadata block into one slice per
// column, sized per the MySQL metadata-length rules for each column type
// (2 bytes for VARCHAR/BIT/NEWDECIMAL-family types, 1 byte for the rest
// that carry any metadata at all, 0 for types with none).
func splitColumnMeta(colTypes []byte, metaBlock []byte) [][]byte {
	result := make([][]byte, len(colTypes))
	off := 0
	for i, t := range colTypes {
		n := columnMetaLen(t)
		if off+n > len(metaBlock) {
			break
		}
		if n > 0 {
			result[i] = metaBlock[off : off+n]
		}
		off += n
	}
	return result
}

func columnMetaLen(colType byte) int {
	switch colType {
	case colTypeVarchar, colTypeBit, colTypeNewDecimal,
		colTypeVarString, colTypeString, colTypeEnum, colTypeSet:
		return 2
	case colTypeBlob, colTypeTinyBlob, colTypeMediumBlob, colTypeLongBlob,
		colTypeTimestamp2, colTypeDatetime2, colTypeTime2, colTypeGeometry,
		colTypeFloat, colTypeDouble, colTypeJSON:
		return 1
	default:
		return 0
	}
}

// optional_metadata field type codes (only COLUMN_NAME is consumed).
const optMetaColumnName = 1

func parseOptionalColumnNames(b []byte, numCols int) []string {
	for len(b) > 1 {
		fieldType := b[0]
		length, n, _, err := wire.ReadLenEncInt(b[1:])
		if err != nil {
			return nil
		}
		fieldBody := b[1+n : 1+n+int(length)]
		if fieldType == optMetaColumnName {
			names := make([]string, 0, numCols)
			fb := fieldBody
			for len(fb) > 0 {
				l, ln, _, err := wire.ReadLenEncInt(fb)
				if err != nil || int(l) > len(fb)-ln {
					break
				}
				names = append(names, string(fb[ln:ln+int(l)]))
				fb = fb[ln+int(l):]
			}
			return names
		}
		b = b[1+n+int(length):]
	}
	return nil
}
