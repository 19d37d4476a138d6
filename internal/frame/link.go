package frame

import "github.com/instrumentlab/edrv/internal/errs"

// LinkMsgType identifies a link-service (service=1) data frame's message
// kind, carried in metadata[7:0] per the protocol. This is distinct from
// LinkSubtype, which tags the 8-byte control/link-handshake frame class
// (reset/disconnect) rather than a data-frame payload.
type LinkMsgType uint8

// Link message types, per the protocol.
const (
	LinkMsgStatus      LinkMsgType = 0x00
	LinkMsgTimesyncReq LinkMsgType = 0x01
	LinkMsgTimesyncRsp LinkMsgType = 0x02
	LinkMsgPing        LinkMsgType = 0x03
	LinkMsgPong        LinkMsgType = 0x04
)

// EncodeLinkMessage builds the metadata word and payload words for a
// link-service data frame carrying msg_type and an opaque payload (ping
// and pong carry none; timesync and status messages carry their payload
// in value). EncodeData requires at least one payload word, so an empty
// payload is padded to a single zero word.
func EncodeLinkMessage(msg LinkMsgType, value []byte) (metadata uint16, payloadWords [][4]byte) {
	if len(value) == 0 {
		value = make([]byte, wordSize)
	}
	return uint16(msg), packWords(value)
}

// DecodeLinkMessage extracts the message type and payload from a decoded
// data View whose service is ServiceLink.
func DecodeLinkMessage(v View) (LinkMsgType, []byte, error) {
	if v.Service != ServiceLink {
		return 0, nil, errs.Wrap(errs.ParameterInvalid, "frame service %d is not link", v.Service)
	}
	return LinkMsgType(v.Metadata & 0xFF), v.Payload, nil
}
