package weft

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/oklog/ulid/v2"
)

// protocol version. two endpoints interoperate iff `VersionProtocol` matches.
const (
	VersionMajor    = 1
	VersionMinor    = 0
	VersionPatch    = 0
	VersionProtocol = 1
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) Cmp(other Id) int {
	return bytes.Compare(self[0:16], other[0:16])
}

func (self Id) Less(other Id) bool {
	return self.Cmp(other) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// per-endpoint logical clock. advances on every topology or filter event.
type LamportTimestamp uint64

// logical timestamps parallel to the hops of a path. index i carries the
// clock of the endpoint at position i when it last touched the path.
type VectorTimestamp []LamportTimestamp

func (self VectorTimestamp) Clone() VectorTimestamp {
	return slices.Clone(self)
}

// strictly less at some component and less-or-equal at all.
// vectors of different lengths are incomparable.
func (self VectorTimestamp) Before(other VectorTimestamp) bool {
	if len(self) != len(other) {
		return false
	}
	strict := false
	for i, ts := range self {
		if other[i] < ts {
			return false
		}
		if ts < other[i] {
			strict = true
		}
	}
	return strict
}

// pointwise max
func (self VectorTimestamp) Merge(other VectorTimestamp) VectorTimestamp {
	n := max(len(self), len(other))
	merged := make(VectorTimestamp, n)
	for i := 0; i < n; i += 1 {
		var a, b LamportTimestamp
		if i < len(self) {
			a = self[i]
		}
		if i < len(other) {
			b = other[i]
		}
		merged[i] = max(a, b)
	}
	return merged
}

func (self VectorTimestamp) Equal(other VectorTimestamp) bool {
	return slices.Equal(self, other)
}

// use this type when counting bytes
type ByteCount = int64
