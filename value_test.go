package weft

import (
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestValueOrder(t *testing.T) {
	// tag order is the first key of the total order
	ordered := []Value{
		None(),
		Boolean(false),
		Boolean(true),
		Count(1),
		Count(2),
		Integer(-5),
		Integer(7),
		Real(0.5),
		String("a"),
		String("ab"),
		String("b"),
		Address(netip.MustParseAddr("10.0.0.1")),
		Subnet(netip.MustParsePrefix("10.0.0.0/8")),
		Subnet(netip.MustParsePrefix("10.0.0.0/16")),
		Port(80, PortProtocolTcp),
		Port(80, PortProtocolUdp),
		Timestamp(time.Unix(0, 1000)),
		Timespan(5 * time.Second),
		EnumValue("x"),
		Set(Count(1)),
		Table(TableEntry{Key: String("k"), Val: Count(1)}),
		List(Count(1)),
		List(Count(1), Count(2)),
	}
	for i := 0; i < len(ordered); i += 1 {
		for j := 0; j < len(ordered); j += 1 {
			c := Compare(ordered[i], ordered[j])
			if i < j {
				assert.Equal(t, -1, c)
			} else if j < i {
				assert.Equal(t, 1, c)
			} else {
				assert.Equal(t, 0, c)
			}
		}
	}
}

func TestValueContainers(t *testing.T) {
	// set constructor sorts and deduplicates
	s := Set(Count(3), Count(1), Count(2), Count(1))
	assert.Equal(t, 3, s.Len())
	items := s.Items()
	assert.Equal(t, uint64(1), items[0].Count())
	assert.Equal(t, uint64(2), items[1].Count())
	assert.Equal(t, uint64(3), items[2].Count())
	assert.Equal(t, true, s.Contains(Count(2)))
	assert.Equal(t, false, s.Contains(Count(4)))

	// a repeated table key keeps the latest entry
	tbl := Table(
		TableEntry{Key: String("b"), Val: Count(1)},
		TableEntry{Key: String("a"), Val: Count(2)},
		TableEntry{Key: String("b"), Val: Count(3)},
	)
	assert.Equal(t, 2, tbl.Len())
	v, ok := tbl.Find(String("b"))
	assert.Equal(t, true, ok)
	assert.Equal(t, uint64(3), v.Count())
	_, ok = tbl.Find(String("c"))
	assert.Equal(t, false, ok)

	// lists preserve order
	l := List(Count(3), Count(1), Count(2))
	assert.Equal(t, uint64(3), l.At(0).Count())
	assert.Equal(t, uint64(1), l.At(1).Count())
	assert.Equal(t, uint64(2), l.At(2).Count())
	assert.Equal(t, true, l.At(3).IsNone())
}

func TestValueText(t *testing.T) {
	assert.Equal(t, "nil", None().String())
	assert.Equal(t, "T", Boolean(true).String())
	assert.Equal(t, "F", Boolean(false).String())
	assert.Equal(t, "42", Count(42).String())
	assert.Equal(t, "-7", Integer(-7).String())
	assert.Equal(t, "hi", String("hi").String())
	assert.Equal(t, "80/tcp", Port(80, PortProtocolTcp).String())
	assert.Equal(t, "5000000000ns", Timespan(5*time.Second).String())
	assert.Equal(t, "{1, 2}", Set(Count(2), Count(1)).String())
	assert.Equal(t, "(a -> 1)", Table(TableEntry{Key: String("a"), Val: Count(1)}).String())
	assert.Equal(t, "{1, 2, 1}", List(Count(1), Count(2), Count(1)).String())
}

func TestVectorTimestamp(t *testing.T) {
	a := VectorTimestamp{1, 2, 3}
	b := VectorTimestamp{1, 2, 4}
	c := VectorTimestamp{2, 1, 3}
	assert.Equal(t, true, a.Before(b))
	assert.Equal(t, false, b.Before(a))
	assert.Equal(t, false, a.Before(a))
	// concurrent: incomparable
	assert.Equal(t, false, a.Before(c))
	assert.Equal(t, false, c.Before(a))
	// different lengths are incomparable
	assert.Equal(t, false, a.Before(VectorTimestamp{5, 5}))

	merged := a.Merge(c)
	assert.Equal(t, true, slices.Equal(merged, VectorTimestamp{2, 2, 3}))
}

func TestIdText(t *testing.T) {
	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not-an-id")
	assert.NotEqual(t, nil, err)

	assert.Equal(t, true, Id{}.IsZero())
	assert.Equal(t, false, id.IsZero())
}
