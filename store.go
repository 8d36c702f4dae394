package weft

import (
	"slices"
	"time"
)

// The store protocol rides on command messages. Mutations flow to the
// master on `<name>/_master`; the master's command stream reaches clones
// on `<name>/_clone`. Unknown ops are skipped with a warning so minor
// protocol extensions survive within one protocol version.

const (
	cmdPut          = uint64(1)
	cmdAdd          = uint64(2)
	cmdSubtract     = uint64(3)
	cmdErase        = uint64(4)
	cmdClear        = uint64(5)
	cmdExpire       = uint64(6)
	cmdSnapshot     = uint64(7)
	cmdSnapshotAck  = uint64(8)
	cmdKeys         = uint64(9)
	cmdKeysAck      = uint64(10)
	cmdPutUnique    = uint64(11)
	cmdPutUniqueAck = uint64(12)

	// frontend-local query ops, never on the wire
	cmdGet    = uint64(13)
	cmdExists = uint64(14)
	cmdSize   = uint64(15)
)

type storeCommand struct {
	op        uint64
	seq       uint64
	origin    Id
	requestId uint64
	key       Value
	value     Value
	// KindTimestamp or none
	expiry Value
	// target kind an `add` creates for an absent key
	initKind ValueKind
}

func (self *storeCommand) encode() []byte {
	cmd := NewListBuilder()
	cmd.Add(Count(self.op))
	cmd.Add(Count(self.seq))
	if self.origin.IsZero() {
		cmd.Add(None())
	} else {
		cmd.Add(String(string(self.origin.Bytes())))
	}
	cmd.Add(Count(self.requestId))
	cmd.Add(self.key)
	cmd.Add(self.value)
	cmd.Add(self.expiry)
	cmd.Add(Count(uint64(self.initKind)))
	return cmd.Build().Bytes()
}

func decodeStoreCommand(payload []byte) (*storeCommand, error) {
	value, err := DecodeValue(payload)
	if err != nil {
		return nil, err
	}
	if value.Kind() != KindList || value.Len() < 8 {
		return nil, malformed("bad store command")
	}
	items := value.Items()
	initKind := ValueKind(items[7].Count())
	if maxValueKind < initKind {
		return nil, malformed("bad command init kind %d", items[7].Count())
	}
	cmd := &storeCommand{
		op:        items[0].Count(),
		seq:       items[1].Count(),
		requestId: items[3].Count(),
		key:       items[4],
		value:     items[5],
		expiry:    items[6],
		initKind:  initKind,
	}
	if items[2].Kind() == KindString {
		origin, err := IdFromBytes([]byte(items[2].Str()))
		if err != nil {
			return nil, malformed("bad command origin")
		}
		cmd.origin = origin
	}
	return cmd, nil
}

func expiryValue(expiry time.Time) Value {
	if expiry.IsZero() {
		return None()
	}
	return Timestamp(expiry)
}

func expiryTime(value Value) time.Time {
	if value.Kind() != KindTimestamp {
		return time.Time{}
	}
	return value.Time()
}

// -- appliers -----------------------------------------------------------------

// per-tag `add` semantics. a `current` of none means the key was absent;
// it is initialized to the neutral element of `initKind`, which the caller
// names explicitly. the operand's own kind cannot stand in for the target:
// a table operand is a 2-element list and a set/list operand is a bare
// element. mixed operand types are rejected with type-clash.
func applyAdd(current Value, operand Value, initKind ValueKind) (Value, error) {
	if current.IsNone() {
		if initKind == KindNone {
			return None(), NewError(ErrorTypeClash, "add to absent key without an init kind")
		}
		neutral, ok := neutralValue(initKind)
		if !ok {
			return None(), NewError(ErrorTypeClash, "cannot initialize absent key as %s", initKind)
		}
		current = neutral
	}
	switch current.Kind() {
	case KindCount:
		if operand.Kind() != KindCount {
			return None(), NewError(ErrorTypeClash, "add %s to count", operand.Kind())
		}
		return Count(current.Count() + operand.Count()), nil
	case KindInteger:
		if operand.Kind() != KindInteger {
			return None(), NewError(ErrorTypeClash, "add %s to integer", operand.Kind())
		}
		return Integer(current.Integer() + operand.Integer()), nil
	case KindReal:
		if operand.Kind() != KindReal {
			return None(), NewError(ErrorTypeClash, "add %s to real", operand.Kind())
		}
		return Real(current.Real() + operand.Real()), nil
	case KindTimespan:
		if operand.Kind() != KindTimespan {
			return None(), NewError(ErrorTypeClash, "add %s to timespan", operand.Kind())
		}
		return Timespan(current.Duration() + operand.Duration()), nil
	case KindTimestamp:
		if operand.Kind() != KindTimespan {
			return None(), NewError(ErrorTypeClash, "add %s to timestamp", operand.Kind())
		}
		return Timestamp(current.Time().Add(operand.Duration())), nil
	case KindString:
		if operand.Kind() != KindString {
			return None(), NewError(ErrorTypeClash, "add %s to string", operand.Kind())
		}
		return String(current.Str() + operand.Str()), nil
	case KindSet:
		return Set(append(slices.Clone(current.Items()), operand)...), nil
	case KindTable:
		// the operand must be a key-value pair, modeled as a 2-element list
		if operand.Kind() != KindList {
			return None(), NewError(ErrorTypeClash, "add %s to table", operand.Kind())
		}
		if operand.Len() != 2 {
			return None(), NewError(ErrorInvalidData, "table entry needs 2 elements, got %d", operand.Len())
		}
		entry := TableEntry{Key: operand.At(0), Val: operand.At(1)}
		return Table(append(slices.Clone(current.Entries()), entry)...), nil
	case KindList:
		return List(append(slices.Clone(current.Items()), operand)...), nil
	default:
		return None(), NewError(ErrorTypeClash, "add to %s", current.Kind())
	}
}

// per-tag `subtract` semantics, the symmetric inverse of `add`. string
// removal is undefined and rejected.
func applySubtract(current Value, operand Value) (Value, error) {
	switch current.Kind() {
	case KindCount:
		if operand.Kind() != KindCount {
			return None(), NewError(ErrorTypeClash, "subtract %s from count", operand.Kind())
		}
		return Count(current.Count() - operand.Count()), nil
	case KindInteger:
		if operand.Kind() != KindInteger {
			return None(), NewError(ErrorTypeClash, "subtract %s from integer", operand.Kind())
		}
		return Integer(current.Integer() - operand.Integer()), nil
	case KindReal:
		if operand.Kind() != KindReal {
			return None(), NewError(ErrorTypeClash, "subtract %s from real", operand.Kind())
		}
		return Real(current.Real() - operand.Real()), nil
	case KindTimespan:
		if operand.Kind() != KindTimespan {
			return None(), NewError(ErrorTypeClash, "subtract %s from timespan", operand.Kind())
		}
		return Timespan(current.Duration() - operand.Duration()), nil
	case KindTimestamp:
		if operand.Kind() != KindTimespan {
			return None(), NewError(ErrorTypeClash, "subtract %s from timestamp", operand.Kind())
		}
		return Timestamp(current.Time().Add(-operand.Duration())), nil
	case KindSet:
		kept := slices.DeleteFunc(slices.Clone(current.Items()), func(item Value) bool {
			return item.Equal(operand)
		})
		return Set(kept...), nil
	case KindTable:
		kept := slices.DeleteFunc(slices.Clone(current.Entries()), func(entry TableEntry) bool {
			return entry.Key.Equal(operand)
		})
		return Table(kept...), nil
	case KindList:
		items := current.Items()
		if 0 < len(items) {
			items = items[:len(items)-1]
		}
		return List(items...), nil
	default:
		return None(), NewError(ErrorTypeClash, "subtract from %s", current.Kind())
	}
}

// the human-consumable store event published under
// `$_broker/store-events/<name>` for every successful mutation
func storeEventValue(op string, name string, key Value, value Value, expiry Value) Value {
	return List(String(op), String(name), key, value, expiry)
}
