package weft

import (
	"encoding/binary"
	"math"
	"net/netip"
	"time"
)

// Binary wire form of a value: a one-byte tag followed by the payload.
// Fixed-width integers are little-endian. Byte strings and containers are
// length-prefixed with an unsigned base-128 varint. Set elements and table
// keys are serialized in the total order; the order is checked on decode.

func malformed(format string, a ...any) error {
	return NewError(ErrorCodecMalformed, format, a...)
}

func EncodeValue(value Value) []byte {
	return appendValue(nil, value)
}

func appendValue(buf []byte, value Value) []byte {
	buf = append(buf, byte(value.kind))
	switch value.kind {
	case KindNone:
	case KindBoolean:
		if value.num != 0 {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindCount, KindInteger, KindReal, KindTimestamp, KindTimespan:
		buf = binary.LittleEndian.AppendUint64(buf, value.num)
	case KindString, KindEnumValue:
		buf = binary.AppendUvarint(buf, uint64(len(value.str)))
		buf = append(buf, value.str...)
	case KindAddress:
		addrBytes := value.addr.AsSlice()
		buf = binary.AppendUvarint(buf, uint64(len(addrBytes)))
		buf = append(buf, addrBytes...)
	case KindSubnet:
		addrBytes := value.addr.AsSlice()
		buf = binary.AppendUvarint(buf, uint64(len(addrBytes)))
		buf = append(buf, addrBytes...)
		buf = append(buf, byte(value.num))
	case KindPort:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(value.num>>8))
		buf = append(buf, byte(value.num&0xff))
	case KindSet, KindList:
		buf = binary.AppendUvarint(buf, uint64(len(value.items)))
		for _, item := range value.items {
			buf = appendValue(buf, item)
		}
	case KindTable:
		buf = binary.AppendUvarint(buf, uint64(len(value.entries)))
		for _, entry := range value.entries {
			buf = appendValue(buf, entry.Key)
			buf = appendValue(buf, entry.Val)
		}
	}
	return buf
}

// decodes exactly one value and requires the input to be fully consumed
func DecodeValue(encoded []byte) (Value, error) {
	value, rest, err := decodeValue(encoded)
	if err != nil {
		return None(), err
	}
	if 0 < len(rest) {
		return None(), malformed("%d trailing bytes", len(rest))
	}
	return value, nil
}

func RequireDecodeValue(encoded []byte) Value {
	value, err := DecodeValue(encoded)
	if err != nil {
		panic(err)
	}
	return value
}

func decodeUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, malformed("bad varint")
	}
	return v, b[n:], nil
}

func decodeValue(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return None(), nil, malformed("empty input")
	}
	kind := ValueKind(b[0])
	if maxValueKind < kind {
		return None(), nil, malformed("tag %d out of range", b[0])
	}
	b = b[1:]
	switch kind {
	case KindNone:
		return None(), b, nil
	case KindBoolean:
		if len(b) < 1 {
			return None(), nil, malformed("truncated boolean")
		}
		return Boolean(b[0] != 0), b[1:], nil
	case KindCount, KindInteger, KindReal, KindTimestamp, KindTimespan:
		if len(b) < 8 {
			return None(), nil, malformed("truncated %s", kind)
		}
		num := binary.LittleEndian.Uint64(b)
		return Value{kind: kind, num: num}, b[8:], nil
	case KindString, KindEnumValue:
		n, rest, err := decodeUvarint(b)
		if err != nil {
			return None(), nil, err
		}
		if uint64(len(rest)) < n {
			return None(), nil, malformed("%s length %d exceeds input", kind, n)
		}
		return Value{kind: kind, str: string(rest[:n])}, rest[n:], nil
	case KindAddress, KindSubnet:
		n, rest, err := decodeUvarint(b)
		if err != nil {
			return None(), nil, err
		}
		if n != 4 && n != 16 {
			return None(), nil, malformed("address length %d", n)
		}
		if uint64(len(rest)) < n {
			return None(), nil, malformed("truncated address")
		}
		addr, ok := netip.AddrFromSlice(rest[:n])
		if !ok {
			return None(), nil, malformed("bad address bytes")
		}
		rest = rest[n:]
		if kind == KindAddress {
			return Address(addr), rest, nil
		}
		if len(rest) < 1 {
			return None(), nil, malformed("truncated subnet")
		}
		bits := int(rest[0])
		if addr.BitLen() < bits {
			return None(), nil, malformed("subnet prefix %d out of range", bits)
		}
		return Subnet(netip.PrefixFrom(addr, bits)), rest[1:], nil
	case KindPort:
		if len(b) < 3 {
			return None(), nil, malformed("truncated port")
		}
		number := binary.LittleEndian.Uint16(b)
		protocol := PortProtocol(b[2])
		if PortProtocolIcmp < protocol {
			return None(), nil, malformed("port protocol %d", b[2])
		}
		return Port(number, protocol), b[3:], nil
	case KindSet, KindList:
		n, rest, err := decodeUvarint(b)
		if err != nil {
			return None(), nil, err
		}
		if uint64(len(rest)) < n {
			return None(), nil, malformed("container count %d exceeds input", n)
		}
		items := make([]Value, 0, n)
		for i := uint64(0); i < n; i += 1 {
			var item Value
			item, rest, err = decodeValue(rest)
			if err != nil {
				return None(), nil, err
			}
			if kind == KindSet && 0 < len(items) {
				if Compare(items[len(items)-1], item) >= 0 {
					return None(), nil, malformed("set elements out of order")
				}
			}
			items = append(items, item)
		}
		return Value{kind: kind, items: items}, rest, nil
	case KindTable:
		n, rest, err := decodeUvarint(b)
		if err != nil {
			return None(), nil, err
		}
		if uint64(len(rest)) < n {
			return None(), nil, malformed("table count %d exceeds input", n)
		}
		entries := make([]TableEntry, 0, n)
		for i := uint64(0); i < n; i += 1 {
			var key, val Value
			key, rest, err = decodeValue(rest)
			if err != nil {
				return None(), nil, err
			}
			val, rest, err = decodeValue(rest)
			if err != nil {
				return None(), nil, err
			}
			if 0 < len(entries) {
				if Compare(entries[len(entries)-1].Key, key) >= 0 {
					return None(), nil, malformed("table keys out of order")
				}
			}
			entries = append(entries, TableEntry{Key: key, Val: val})
		}
		return Value{kind: kind, entries: entries}, rest, nil
	default:
		return None(), nil, malformed("tag %d out of range", byte(kind))
	}
}

// returns the encoded size of the first value in `b` without materializing
// it. detects truncation but skips the container ordering check.
func skipValue(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, malformed("empty input")
	}
	kind := ValueKind(b[0])
	if maxValueKind < kind {
		return 0, malformed("tag %d out of range", b[0])
	}
	n := 1
	rest := b[1:]
	fixed := func(size int) error {
		if len(rest) < size {
			return malformed("truncated %s", kind)
		}
		n += size
		rest = rest[size:]
		return nil
	}
	varbytes := func() error {
		size, afterLen, err := decodeUvarint(rest)
		if err != nil {
			return err
		}
		if uint64(len(afterLen)) < size {
			return malformed("length %d exceeds input", size)
		}
		n += (len(rest) - len(afterLen)) + int(size)
		rest = afterLen[size:]
		return nil
	}
	switch kind {
	case KindNone:
		return n, nil
	case KindBoolean:
		if err := fixed(1); err != nil {
			return 0, err
		}
		return n, nil
	case KindCount, KindInteger, KindReal, KindTimestamp, KindTimespan:
		if err := fixed(8); err != nil {
			return 0, err
		}
		return n, nil
	case KindString, KindEnumValue, KindAddress:
		if err := varbytes(); err != nil {
			return 0, err
		}
		return n, nil
	case KindSubnet:
		if err := varbytes(); err != nil {
			return 0, err
		}
		if err := fixed(1); err != nil {
			return 0, err
		}
		return n, nil
	case KindPort:
		if err := fixed(3); err != nil {
			return 0, err
		}
		return n, nil
	case KindSet, KindList, KindTable:
		count, afterLen, err := decodeUvarint(rest)
		if err != nil {
			return 0, err
		}
		if uint64(len(afterLen)) < count {
			return 0, malformed("container count %d exceeds input", count)
		}
		n += len(rest) - len(afterLen)
		rest = afterLen
		slots := count
		if kind == KindTable {
			slots = 2 * count
		}
		for i := uint64(0); i < slots; i += 1 {
			size, err := skipValue(rest)
			if err != nil {
				return 0, err
			}
			n += size
			rest = rest[size:]
		}
		return n, nil
	default:
		return 0, malformed("tag %d out of range", byte(kind))
	}
}

// A zero-copy typed view over one encoded value. The view is valid for the
// lifetime of the underlying bytes.
type Variant struct {
	buf []byte
}

// validates structure (truncation, trailing bytes) without materializing
func AsVariant(encoded []byte) (Variant, error) {
	n, err := skipValue(encoded)
	if err != nil {
		return Variant{}, err
	}
	if n != len(encoded) {
		return Variant{}, malformed("%d trailing bytes", len(encoded)-n)
	}
	return Variant{buf: encoded}, nil
}

func RequireVariant(encoded []byte) Variant {
	variant, err := AsVariant(encoded)
	if err != nil {
		panic(err)
	}
	return variant
}

func VariantOf(value Value) Variant {
	return Variant{buf: EncodeValue(value)}
}

func (self Variant) IsZero() bool {
	return len(self.buf) == 0
}

func (self Variant) Bytes() []byte {
	return self.buf
}

func (self Variant) Kind() ValueKind {
	if len(self.buf) == 0 {
		return KindNone
	}
	return ValueKind(self.buf[0])
}

// materializes the full value tree with the ordering check
func (self Variant) Decode() (Value, error) {
	return DecodeValue(self.buf)
}

func (self Variant) RequireDecode() Value {
	return RequireDecodeValue(self.buf)
}

func (self Variant) payload() []byte {
	if len(self.buf) == 0 {
		return nil
	}
	return self.buf[1:]
}

func (self Variant) Boolean() bool {
	b := self.payload()
	return self.Kind() == KindBoolean && 1 <= len(b) && b[0] != 0
}

func (self Variant) Count() uint64 {
	b := self.payload()
	if self.Kind() != KindCount || len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (self Variant) Integer() int64 {
	b := self.payload()
	if self.Kind() != KindInteger || len(b) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (self Variant) Real() float64 {
	b := self.payload()
	if self.Kind() != KindReal || len(b) < 8 {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (self Variant) Str() string {
	kind := self.Kind()
	if kind != KindString && kind != KindEnumValue {
		return ""
	}
	b := self.payload()
	n, rest, err := decodeUvarint(b)
	if err != nil || uint64(len(rest)) < n {
		return ""
	}
	return string(rest[:n])
}

func (self Variant) Time() time.Time {
	b := self.payload()
	if self.Kind() != KindTimestamp || len(b) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(b)))
}

func (self Variant) Duration() time.Duration {
	b := self.payload()
	if self.Kind() != KindTimespan || len(b) < 8 {
		return 0
	}
	return time.Duration(int64(binary.LittleEndian.Uint64(b)))
}

// container element count, or 0 for non-containers
func (self Variant) Len() int {
	switch self.Kind() {
	case KindSet, KindList, KindTable:
		n, _, err := decodeUvarint(self.payload())
		if err != nil {
			return 0
		}
		return int(n)
	default:
		return 0
	}
}

// iterates set or list elements as sub-views. stops early when `fn` returns
// false.
func (self Variant) Each(fn func(item Variant) bool) error {
	kind := self.Kind()
	if kind != KindSet && kind != KindList {
		return NewError(ErrorTypeClash, "each on %s", kind)
	}
	count, rest, err := decodeUvarint(self.payload())
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i += 1 {
		size, err := skipValue(rest)
		if err != nil {
			return err
		}
		if !fn(Variant{buf: rest[:size]}) {
			return nil
		}
		rest = rest[size:]
	}
	return nil
}

// iterates table entries as sub-view pairs
func (self Variant) EachEntry(fn func(key Variant, val Variant) bool) error {
	if self.Kind() != KindTable {
		return NewError(ErrorTypeClash, "each-entry on %s", self.Kind())
	}
	count, rest, err := decodeUvarint(self.payload())
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i += 1 {
		keySize, err := skipValue(rest)
		if err != nil {
			return err
		}
		valSize, err := skipValue(rest[keySize:])
		if err != nil {
			return err
		}
		if !fn(Variant{buf: rest[:keySize]}, Variant{buf: rest[keySize : keySize+valSize]}) {
			return nil
		}
		rest = rest[keySize+valSize:]
	}
	return nil
}

// Streaming builders. Elements must be supplied in the total order (sets,
// table keys) and with unique keys; builders do not reorder or deduplicate.
// `Build` consumes the builder; using it afterwards panics.

type Builder interface {
	// appends the finished encoding and invalidates the builder
	consumeInto(buf []byte) []byte
}

type containerBuilder struct {
	kind  ValueKind
	body  []byte
	count int
	done  bool
}

func (self *containerBuilder) check() {
	if self.done {
		panic("builder already consumed")
	}
}

func (self *containerBuilder) add(value Value) {
	self.check()
	self.body = appendValue(self.body, value)
	self.count += 1
}

func (self *containerBuilder) addVariant(variant Variant) {
	self.check()
	self.body = append(self.body, variant.buf...)
	self.count += 1
}

func (self *containerBuilder) addBuilder(child Builder) {
	self.check()
	self.body = child.consumeInto(self.body)
	self.count += 1
}

func (self *containerBuilder) consumeInto(buf []byte) []byte {
	self.check()
	self.done = true
	buf = append(buf, byte(self.kind))
	buf = binary.AppendUvarint(buf, uint64(self.count))
	buf = append(buf, self.body...)
	self.body = nil
	return buf
}

func (self *containerBuilder) build() Variant {
	return Variant{buf: self.consumeInto(nil)}
}

type SetBuilder struct {
	containerBuilder
}

func NewSetBuilder() *SetBuilder {
	return &SetBuilder{containerBuilder{kind: KindSet}}
}

func (self *SetBuilder) Add(value Value) *SetBuilder {
	self.add(value)
	return self
}

func (self *SetBuilder) AddVariant(variant Variant) *SetBuilder {
	self.addVariant(variant)
	return self
}

func (self *SetBuilder) AddBuilder(child Builder) *SetBuilder {
	self.addBuilder(child)
	return self
}

func (self *SetBuilder) Build() Variant {
	return self.build()
}

type ListBuilder struct {
	containerBuilder
}

func NewListBuilder() *ListBuilder {
	return &ListBuilder{containerBuilder{kind: KindList}}
}

func (self *ListBuilder) Add(value Value) *ListBuilder {
	self.add(value)
	return self
}

func (self *ListBuilder) AddVariant(variant Variant) *ListBuilder {
	self.addVariant(variant)
	return self
}

func (self *ListBuilder) AddBuilder(child Builder) *ListBuilder {
	self.addBuilder(child)
	return self
}

func (self *ListBuilder) Build() Variant {
	return self.build()
}

type TableBuilder struct {
	containerBuilder
}

func NewTableBuilder() *TableBuilder {
	return &TableBuilder{containerBuilder{kind: KindTable}}
}

func (self *TableBuilder) Put(key Value, val Value) *TableBuilder {
	self.check()
	self.body = appendValue(self.body, key)
	self.body = appendValue(self.body, val)
	self.count += 1
	return self
}

func (self *TableBuilder) PutVariant(key Variant, val Variant) *TableBuilder {
	self.check()
	self.body = append(self.body, key.buf...)
	self.body = append(self.body, val.buf...)
	self.count += 1
	return self
}

func (self *TableBuilder) PutBuilder(key Value, child Builder) *TableBuilder {
	self.check()
	self.body = appendValue(self.body, key)
	self.body = child.consumeInto(self.body)
	self.count += 1
	return self
}

func (self *TableBuilder) Build() Variant {
	return self.build()
}
