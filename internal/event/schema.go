package event

import (
	"hash/fnv"
	"strconv"
)

// Column describes one column of a Schema. Name is optional on the MySQL
// side when binlog_row_metadata is not FULL.
type Column struct {
	Name       string
	SourceType string // e.g. "int4", "varchar", or MySQL's numeric column type name
	Nullable   bool
	Standard   Kind
}

// Schema is the ordered column list for one (database, table) pair. Schemas
// are immutable once published — a schema change produces a new Schema
// rather than mutating an existing one, so that a RowEvent's
// SchemaFingerprint always identifies exactly the Schema used to decode it.
type Schema struct {
	Database string
	Table    string
	Columns  []Column
}

// Fingerprint computes a stable hash over the database and table names and
// the ordered column (name, source type, nullable, standardized kind)
// tuples. Two Schema values with the same names and column shape hash
// identically regardless of allocation identity.
func (s Schema) Fingerprint() uint64 {
	h := fnv.New64a()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(s.Database)
	write(s.Table)
	for _, c := range s.Columns {
		write(c.Name)
		write(c.SourceType)
		write(strconv.FormatBool(c.Nullable))
		write(strconv.Itoa(int(c.Standard)))
	}
	return h.Sum64()
}

// Row is an ordered vector of Values matching a Schema's Columns 1:1,
// including explicit Null entries for SQL NULL — Row.Len() always equals
// len(Schema.Columns).
type Row struct {
	Values  []Value
	Partial bool // true if any Value in this row is a raw-bytes fallback
}

func (r Row) Len() int { return len(r.Values) }
