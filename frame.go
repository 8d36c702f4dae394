package weft

import (
	"encoding/binary"
)

// Every message on a link is one frame:
//
//	len(4, little-endian) ‖ kind(1) ‖ topic(varint string) ‖
//	payload(varint bytes) ‖ multipath(varint bytes)
//
// `len` counts everything after itself. Control traffic (routing updates,
// keepalive) rides the same framing as data, distinguished by kind.

type MessageKind uint8

const (
	MessageKindData MessageKind = iota
	MessageKindCommand
	MessageKindRoutingUpdate
	MessageKindPing
	MessageKindPong
)

const maxMessageKind = MessageKindPong

func (self MessageKind) String() string {
	switch self {
	case MessageKindData:
		return "data"
	case MessageKindCommand:
		return "command"
	case MessageKindRoutingUpdate:
		return "routing-update"
	case MessageKindPing:
		return "ping"
	case MessageKindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// A packed message defers payload decoding until a consumer demands the
// typed value.
type PackedMessage struct {
	Kind    MessageKind
	Topic   Topic
	Payload []byte
}

func PackData(topic Topic, value Value) PackedMessage {
	return PackedMessage{
		Kind:    MessageKindData,
		Topic:   topic,
		Payload: EncodeValue(value),
	}
}

func (self PackedMessage) Value() (Value, error) {
	return DecodeValue(self.Payload)
}

func (self PackedMessage) Variant() (Variant, error) {
	return AsVariant(self.Payload)
}

type NodeMessage struct {
	Packed PackedMessage
	Path   *Multipath
}

const frameOverhead = 4 + 1

// guards against hostile length prefixes
const MaxFrameSize = 1 << 24

func EncodeFrame(msg *NodeMessage) []byte {
	topic := msg.Packed.Topic.String()
	var pathBytes []byte
	if msg.Path != nil {
		pathBytes = msg.Path.Encode()
	}
	body := make([]byte, 0, frameOverhead+len(topic)+len(msg.Packed.Payload)+len(pathBytes)+12)
	body = append(body, 0, 0, 0, 0)
	body = append(body, byte(msg.Packed.Kind))
	body = binary.AppendUvarint(body, uint64(len(topic)))
	body = append(body, topic...)
	body = binary.AppendUvarint(body, uint64(len(msg.Packed.Payload)))
	body = append(body, msg.Packed.Payload...)
	body = binary.AppendUvarint(body, uint64(len(pathBytes)))
	body = append(body, pathBytes...)
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(body)-4))
	return body
}

func DecodeFrame(frameBytes []byte) (*NodeMessage, error) {
	if len(frameBytes) < frameOverhead {
		return nil, malformed("short frame")
	}
	frameLen := binary.LittleEndian.Uint32(frameBytes[0:4])
	if MaxFrameSize < frameLen {
		return nil, malformed("frame length %d too large", frameLen)
	}
	if uint32(len(frameBytes)-4) != frameLen {
		return nil, malformed("frame length %d does not match %d", frameLen, len(frameBytes)-4)
	}
	b := frameBytes[4:]
	kind := MessageKind(b[0])
	if maxMessageKind < kind {
		return nil, malformed("frame kind %d", b[0])
	}
	b = b[1:]
	readChunk := func() ([]byte, error) {
		n, rest, err := decodeUvarint(b)
		if err != nil {
			return nil, err
		}
		if uint64(len(rest)) < n {
			return nil, malformed("chunk length %d exceeds frame", n)
		}
		b = rest[n:]
		return rest[:n], nil
	}
	topicBytes, err := readChunk()
	if err != nil {
		return nil, err
	}
	payload, err := readChunk()
	if err != nil {
		return nil, err
	}
	pathBytes, err := readChunk()
	if err != nil {
		return nil, err
	}
	if 0 < len(b) {
		return nil, malformed("%d trailing frame bytes", len(b))
	}
	path, err := DecodeMultipath(pathBytes)
	if err != nil {
		return nil, err
	}
	return &NodeMessage{
		Packed: PackedMessage{
			Kind:    kind,
			Topic:   NewTopic(string(topicBytes)),
			Payload: payload,
		},
		Path: path,
	}, nil
}
