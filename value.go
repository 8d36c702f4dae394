package weft

import (
	"fmt"
	"math"
	"net/netip"
	"slices"
	"strings"
	"time"
)

// The universal value type carried by every payload. A value is a tagged
// union; the tag order below is part of the wire contract and defines the
// first key of the total order over values.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindBoolean
	KindCount
	KindInteger
	KindReal
	KindString
	KindAddress
	KindSubnet
	KindPort
	KindTimestamp
	KindTimespan
	KindEnumValue
	KindSet
	KindTable
	KindList
)

const maxValueKind = KindList

func (self ValueKind) String() string {
	switch self {
	case KindNone:
		return "none"
	case KindBoolean:
		return "boolean"
	case KindCount:
		return "count"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindString:
		return "string"
	case KindAddress:
		return "address"
	case KindSubnet:
		return "subnet"
	case KindPort:
		return "port"
	case KindTimestamp:
		return "timestamp"
	case KindTimespan:
		return "timespan"
	case KindEnumValue:
		return "enum"
	case KindSet:
		return "set"
	case KindTable:
		return "table"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(self))
	}
}

type PortProtocol uint8

const (
	PortProtocolUnknown PortProtocol = iota
	PortProtocolTcp
	PortProtocolUdp
	PortProtocolIcmp
)

func (self PortProtocol) String() string {
	switch self {
	case PortProtocolTcp:
		return "tcp"
	case PortProtocolUdp:
		return "udp"
	case PortProtocolIcmp:
		return "icmp"
	default:
		return "?"
	}
}

type TableEntry struct {
	Key Value
	Val Value
}

// Value is immutable by convention. Container constructors copy, sort and
// deduplicate their inputs so that iteration order always follows the total
// order required on the wire.
type Value struct {
	kind ValueKind
	// boolean (0/1), count, integer/timestamp/timespan bits, real bits,
	// subnet prefix length, packed port
	num     uint64
	str     string
	addr    netip.Addr
	items   []Value
	entries []TableEntry
}

func None() Value {
	return Value{kind: KindNone}
}

func Boolean(value bool) Value {
	num := uint64(0)
	if value {
		num = 1
	}
	return Value{kind: KindBoolean, num: num}
}

func Count(value uint64) Value {
	return Value{kind: KindCount, num: value}
}

func Integer(value int64) Value {
	return Value{kind: KindInteger, num: uint64(value)}
}

func Real(value float64) Value {
	return Value{kind: KindReal, num: math.Float64bits(value)}
}

func String(value string) Value {
	return Value{kind: KindString, str: value}
}

func Address(value netip.Addr) Value {
	return Value{kind: KindAddress, addr: value}
}

func Subnet(value netip.Prefix) Value {
	return Value{kind: KindSubnet, addr: value.Addr(), num: uint64(value.Bits())}
}

func Port(number uint16, protocol PortProtocol) Value {
	return Value{kind: KindPort, num: uint64(number)<<8 | uint64(protocol)}
}

func Timestamp(value time.Time) Value {
	return Value{kind: KindTimestamp, num: uint64(value.UnixNano())}
}

func Timespan(value time.Duration) Value {
	return Value{kind: KindTimespan, num: uint64(value.Nanoseconds())}
}

func EnumValue(name string) Value {
	return Value{kind: KindEnumValue, str: name}
}

// sorts and deduplicates
func Set(items ...Value) Value {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, Compare)
	sorted = slices.CompactFunc(sorted, func(a Value, b Value) bool {
		return Compare(a, b) == 0
	})
	return Value{kind: KindSet, items: sorted}
}

// sorts by key. a repeated key keeps the latest entry.
func Table(entries ...TableEntry) Value {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a TableEntry, b TableEntry) int {
		return Compare(a.Key, b.Key)
	})
	deduped := sorted[:0]
	for _, entry := range sorted {
		if 0 < len(deduped) && Compare(deduped[len(deduped)-1].Key, entry.Key) == 0 {
			deduped[len(deduped)-1] = entry
		} else {
			deduped = append(deduped, entry)
		}
	}
	return Value{kind: KindTable, entries: deduped}
}

func List(items ...Value) Value {
	return Value{kind: KindList, items: slices.Clone(items)}
}

func (self Value) Kind() ValueKind {
	return self.kind
}

func (self Value) IsNone() bool {
	return self.kind == KindNone
}

// typed accessors return the zero value on a kind mismatch. callers that
// need strictness check `Kind` first.

func (self Value) Boolean() bool {
	return self.kind == KindBoolean && self.num != 0
}

func (self Value) Count() uint64 {
	if self.kind != KindCount {
		return 0
	}
	return self.num
}

func (self Value) Integer() int64 {
	if self.kind != KindInteger {
		return 0
	}
	return int64(self.num)
}

func (self Value) Real() float64 {
	if self.kind != KindReal {
		return 0
	}
	return math.Float64frombits(self.num)
}

func (self Value) Str() string {
	if self.kind != KindString {
		return ""
	}
	return self.str
}

func (self Value) Enum() string {
	if self.kind != KindEnumValue {
		return ""
	}
	return self.str
}

func (self Value) Addr() netip.Addr {
	if self.kind != KindAddress {
		return netip.Addr{}
	}
	return self.addr
}

func (self Value) Prefix() netip.Prefix {
	if self.kind != KindSubnet {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(self.addr, int(self.num))
}

func (self Value) Port() (uint16, PortProtocol) {
	if self.kind != KindPort {
		return 0, PortProtocolUnknown
	}
	return uint16(self.num >> 8), PortProtocol(self.num & 0xff)
}

func (self Value) Time() time.Time {
	if self.kind != KindTimestamp {
		return time.Time{}
	}
	return time.Unix(0, int64(self.num))
}

func (self Value) Duration() time.Duration {
	if self.kind != KindTimespan {
		return 0
	}
	return time.Duration(int64(self.num))
}

// set and list elements in canonical order
func (self Value) Items() []Value {
	return self.items
}

func (self Value) Entries() []TableEntry {
	return self.entries
}

func (self Value) Len() int {
	switch self.kind {
	case KindSet, KindList:
		return len(self.items)
	case KindTable:
		return len(self.entries)
	default:
		return 0
	}
}

func (self Value) At(index int) Value {
	if index < 0 || len(self.items) <= index {
		return None()
	}
	return self.items[index]
}

// table lookup by key
func (self Value) Find(key Value) (Value, bool) {
	if self.kind != KindTable {
		return None(), false
	}
	i, found := slices.BinarySearchFunc(self.entries, key, func(entry TableEntry, k Value) int {
		return Compare(entry.Key, k)
	})
	if !found {
		return None(), false
	}
	return self.entries[i].Val, true
}

// set membership
func (self Value) Contains(item Value) bool {
	if self.kind != KindSet {
		return false
	}
	_, found := slices.BinarySearchFunc(self.items, item, Compare)
	return found
}

// The total order over values: first by tag, then by natural order within
// the tag. This order is the wire contract for set and table iteration.
func Compare(a Value, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNone:
		return 0
	case KindBoolean, KindCount, KindPort:
		return cmpUint64(a.num, b.num)
	case KindSubnet:
		if c := a.addr.Compare(b.addr); c != 0 {
			return c
		}
		return cmpUint64(a.num, b.num)
	case KindInteger, KindTimestamp, KindTimespan:
		if int64(a.num) < int64(b.num) {
			return -1
		} else if int64(b.num) < int64(a.num) {
			return 1
		}
		return 0
	case KindReal:
		ar, br := math.Float64frombits(a.num), math.Float64frombits(b.num)
		if ar < br {
			return -1
		} else if br < ar {
			return 1
		}
		return 0
	case KindString, KindEnumValue:
		return strings.Compare(a.str, b.str)
	case KindAddress:
		return a.addr.Compare(b.addr)
	case KindSet, KindList:
		return slices.CompareFunc(a.items, b.items, Compare)
	case KindTable:
		return slices.CompareFunc(a.entries, b.entries, func(x TableEntry, y TableEntry) int {
			if c := Compare(x.Key, y.Key); c != 0 {
				return c
			}
			return Compare(x.Val, y.Val)
		})
	default:
		return 0
	}
}

func cmpUint64(a uint64, b uint64) int {
	if a < b {
		return -1
	} else if b < a {
		return 1
	}
	return 0
}

func (self Value) Equal(other Value) bool {
	return Compare(self, other) == 0
}

// text form used by logs and the CLI: `nil`, `T`/`F`, `{...}` for sets and
// lists, `(k -> v, ...)` for tables, `ns` suffix for times.
func (self Value) String() string {
	var sb strings.Builder
	self.appendText(&sb)
	return sb.String()
}

func (self Value) appendText(sb *strings.Builder) {
	switch self.kind {
	case KindNone:
		sb.WriteString("nil")
	case KindBoolean:
		if self.num != 0 {
			sb.WriteByte('T')
		} else {
			sb.WriteByte('F')
		}
	case KindCount:
		fmt.Fprintf(sb, "%d", self.num)
	case KindInteger:
		fmt.Fprintf(sb, "%d", int64(self.num))
	case KindReal:
		fmt.Fprintf(sb, "%f", math.Float64frombits(self.num))
	case KindString:
		sb.WriteString(self.str)
	case KindAddress:
		sb.WriteString(self.addr.String())
	case KindSubnet:
		sb.WriteString(self.Prefix().String())
	case KindPort:
		number, protocol := self.Port()
		fmt.Fprintf(sb, "%d/%s", number, protocol)
	case KindTimestamp:
		fmt.Fprintf(sb, "%dns", int64(self.num))
	case KindTimespan:
		fmt.Fprintf(sb, "%dns", int64(self.num))
	case KindEnumValue:
		sb.WriteString(self.str)
	case KindSet, KindList:
		sb.WriteByte('{')
		for i, item := range self.items {
			if 0 < i {
				sb.WriteString(", ")
			}
			item.appendText(sb)
		}
		sb.WriteByte('}')
	case KindTable:
		sb.WriteByte('(')
		for i, entry := range self.entries {
			if 0 < i {
				sb.WriteString(", ")
			}
			entry.Key.appendText(sb)
			sb.WriteString(" -> ")
			entry.Val.appendText(sb)
		}
		sb.WriteByte(')')
	}
}

// the neutral element for `add` on an absent key
func neutralValue(kind ValueKind) (Value, bool) {
	switch kind {
	case KindCount:
		return Count(0), true
	case KindInteger:
		return Integer(0), true
	case KindReal:
		return Real(0), true
	case KindTimespan:
		return Timespan(0), true
	case KindString:
		return String(""), true
	case KindSet:
		return Set(), true
	case KindTable:
		return Table(), true
	case KindList:
		return List(), true
	default:
		return None(), false
	}
}
