package event

import "fmt"

// Source identifies which engine produced a Cursor, so Compare can reject
// comparisons across unrelated streams instead of silently misordering them.
type Source int

const (
	SourceUnknown Source = iota
	SourcePostgres
	SourceMySQL
)

// Cursor is an opaque, orderable resume position within one source's change
// log (spec §3). Exactly one of the PG or MySQL field groups is populated,
// selected by Source.
type Cursor struct {
	Source Source

	// PostgreSQL: LSN + timeline.
	LSN      uint64
	Timeline uint32

	// MySQL: binlog file + position, optionally a GTID set string.
	BinlogFile string
	BinlogPos  uint32
	GTIDSet    string
}

// PGCursor builds a PostgreSQL cursor.
func PGCursor(lsn uint64, timeline uint32) Cursor {
	return Cursor{Source: SourcePostgres, LSN: lsn, Timeline: timeline}
}

// MySQLCursor builds a MySQL cursor.
func MySQLCursor(file string, pos uint32) Cursor {
	return Cursor{Source: SourceMySQL, BinlogFile: file, BinlogPos: pos}
}

// WithGTID returns a copy of a MySQL cursor carrying a GTID set.
func (c Cursor) WithGTID(gtidSet string) Cursor {
	c.GTIDSet = gtidSet
	return c
}

func (c Cursor) String() string {
	switch c.Source {
	case SourcePostgres:
		return fmt.Sprintf("%X/%X@%d", c.LSN>>32, c.LSN&0xffffffff, c.Timeline)
	case SourceMySQL:
		if c.GTIDSet != "" {
			return fmt.Sprintf("%s:%d[%s]", c.BinlogFile, c.BinlogPos, c.GTIDSet)
		}
		return fmt.Sprintf("%s:%d", c.BinlogFile, c.BinlogPos)
	default:
		return "Cursor(unset)"
	}
}

// Compare returns -1, 0 or 1 if c orders before, at, or after other.
// Comparing cursors from different sources panics — ordering across engines
// is explicitly not promised (spec §5) and mixing them is a caller bug.
func (c Cursor) Compare(other Cursor) int {
	if c.Source != other.Source {
		panic(fmt.Sprintf("cdc: cannot compare cursors from different sources (%v vs %v)", c.Source, other.Source))
	}
	switch c.Source {
	case SourcePostgres:
		switch {
		case c.LSN < other.LSN:
			return -1
		case c.LSN > other.LSN:
			return 1
		default:
			return 0
		}
	case SourceMySQL:
		if c.BinlogFile != other.BinlogFile {
			if c.BinlogFile < other.BinlogFile {
				return -1
			}
			return 1
		}
		switch {
		case c.BinlogPos < other.BinlogPos:
			return -1
		case c.BinlogPos > other.BinlogPos:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}
