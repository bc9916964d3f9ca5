// Package event defines the source-independent change-event model: Cursor,
// Schema, Row, Value and RowEvent, shared by the PostgreSQL and MySQL
// engines so that a downstream sink never has to know which engine produced
// a given event.
package event

import "fmt"

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindBytes
	KindString
	KindDecimal
	KindDate
	KindTime
	KindDateTime
	KindJSON
	KindBit
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindUint:
		return "UInt"
	case KindFloat:
		return "Float"
	case KindBytes:
		return "Bytes"
	case KindString:
		return "String"
	case KindDecimal:
		return "Decimal"
	case KindDate:
		return "Date"
	case KindTime:
		return "Time"
	case KindDateTime:
		return "DateTime"
	case KindJSON:
		return "Json"
	case KindBit:
		return "Bit"
	default:
		return "Unknown"
	}
}

// Value is a tagged union over the standardized type set in spec §3. Only
// the field matching Kind is meaningful.
type Value struct {
	Kind Kind

	Bool     bool
	Int      int64
	Uint     uint64
	Float    float64
	Bytes    []byte // Bytes, Json (raw JSON text), Bit
	Str      string // String, Decimal (raw decimal text), Date/Time/DateTime (RFC3339-ish)
	BitLen   int    // KindBit: number of significant bits in Bytes
	DateTime struct {
		UTC bool // true if the source timezone is known (PG timestamptz); false for naive values
	}
}

func Null() Value                 { return Value{Kind: KindNull} }
func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Int(v int64) Value           { return Value{Kind: KindInt, Int: v} }
func Uint(v uint64) Value         { return Value{Kind: KindUint, Uint: v} }
func Float(v float64) Value       { return Value{Kind: KindFloat, Float: v} }
func Bytes(b []byte) Value        { return Value{Kind: KindBytes, Bytes: b} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func Decimal(s string) Value      { return Value{Kind: KindDecimal, Str: s} }
func Date(s string) Value         { return Value{Kind: KindDate, Str: s} }
func Time(s string) Value         { return Value{Kind: KindTime, Str: s} }
func JSON(b []byte) Value         { return Value{Kind: KindJSON, Bytes: b} }

func DateTime(s string, utc bool) Value {
	v := Value{Kind: KindDateTime, Str: s}
	v.DateTime.UTC = utc
	return v
}

func Bit(bits []byte, nbits int) Value {
	return Value{Kind: KindBit, Bytes: bits, BitLen: nbits}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return fmt.Sprintf("Bool(%v)", v.Bool)
	case KindInt:
		return fmt.Sprintf("Int(%d)", v.Int)
	case KindUint:
		return fmt.Sprintf("UInt(%d)", v.Uint)
	case KindFloat:
		return fmt.Sprintf("Float(%v)", v.Float)
	case KindBytes:
		return fmt.Sprintf("Bytes(%d bytes)", len(v.Bytes))
	case KindString:
		return fmt.Sprintf("String(%q)", v.Str)
	case KindDecimal:
		return fmt.Sprintf("Decimal(%s)", v.Str)
	case KindDate:
		return fmt.Sprintf("Date(%s)", v.Str)
	case KindTime:
		return fmt.Sprintf("Time(%s)", v.Str)
	case KindDateTime:
		return fmt.Sprintf("DateTime(%s)", v.Str)
	case KindJSON:
		return fmt.Sprintf("Json(%d bytes)", len(v.Bytes))
	case KindBit:
		return fmt.Sprintf("Bit(%d bits)", v.BitLen)
	default:
		return "Unknown"
	}
}
