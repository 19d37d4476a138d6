package frame

import "github.com/instrumentlab/edrv/internal/errs"

// Fixed pubsub layout constants, per the protocol
const (
	// TopicSize is the fixed, NUL-terminated topic field width
	TopicSize = 32
)

// ValueType tags the typed value following a pubsub topic
type ValueType uint8

// Value type tags used on the wire. The numeric values are this driver's
// own convention (the protocol does not enumerate them beyond "a type tag");
// they are stable within this codebase and mirrored in
// internal/driver's topic-dispatch value encoding.
const (
	ValueBool   ValueType = 0x01
	ValueInt32  ValueType = 0x10
	ValueUint32 ValueType = 0x11
	ValueFloat  ValueType = 0x12
	ValueString ValueType = 0x20
	ValueBinary ValueType = 0x21
)

// packWords splits a byte slice into word-aligned [4]byte chunks, zero
// padding the final word.
func packWords(b []byte) [][4]byte {
	n := (len(b) + wordSize - 1) / wordSize
	out := make([][4]byte, n)
	for i := 0; i < n; i++ {
		start := i * wordSize
		end := start + wordSize
		if end > len(b) {
			end = len(b)
		}
		copy(out[i][:], b[start:end])
	}
	return out
}

// EncodePubSub builds the metadata word and payload words for a pubsub
// publish frame carrying topic and value. topic must fit in TopicSize-1
// bytes (room for the NUL terminator); the protocol invariant.
func EncodePubSub(topic string, vt ValueType, value []byte) (metadata uint16, payloadWords [][4]byte, err error) {
	if len(topic) >= TopicSize {
		return 0, nil, errs.Wrap(errs.ParameterInvalid, "topic %q exceeds %d bytes", topic, TopicSize-1)
	}

	body := make([]byte, TopicSize+len(value))
	copy(body, topic) // remaining topic bytes, including the terminator slot, are already zero
	copy(body[TopicSize:], value)

	total := len(body)
	remainder := uint16(total % 4)
	metadata = uint16(vt) | (remainder << 8)

	return metadata, packWords(body), nil
}

// DecodePubSub extracts topic, value type, and value from a decoded data
// View whose service is ServicePubSub. The view's Payload is word-aligned;
// the exact (unpadded) total length is recovered from the low 2 bits of
// metadata per the protocol ("metadata[9:8] = low 2 bits of total payload
// length"), combined with the word-aligned length implied by the frame's
// length field (metadata's "high bits").
func DecodePubSub(v View) (topic string, vt ValueType, value []byte, err error) {
	if v.Service != ServicePubSub {
		return "", 0, nil, errs.Wrap(errs.ParameterInvalid, "frame service %d is not pubsub", v.Service)
	}
	vt = ValueType(v.Metadata & 0xFF)
	remainder := int((v.Metadata >> 8) & 0x3)

	wordAligned := len(v.Payload)
	total := wordAligned - ((4 - remainder) % 4)
	if total < TopicSize || total > wordAligned {
		return "", 0, nil, errs.Wrap(errs.Framing, "pubsub payload length %d inconsistent with remainder %d", wordAligned, remainder)
	}

	topicBytes := v.Payload[:TopicSize]
	end := 0
	for end < TopicSize && topicBytes[end] != 0 {
		end++
	}
	topic = string(topicBytes[:end])

	value = make([]byte, total-TopicSize)
	copy(value, v.Payload[TopicSize:total])
	return topic, vt, value, nil
}
