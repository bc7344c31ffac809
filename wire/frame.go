// Package wire implements the distributed query engine's message
// codec (spec.md component C1): a fixed-layout frame header followed
// by a compressed, checksummed payload blob, plus a process-global
// kind registry used to decode that blob into a typed message body.
//
// Decoding is incremental: Decode is handed a byte slice that may
// contain zero, one, or many frames and possibly a partial trailing
// frame, and reports how many bytes of the slice it consumed.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/chapterhouse/distqe/cmn/cos"
)

// headerFixedLen is the number of header bytes that follow the
// leading 4-byte total_len field: data_len(8) + header_version(2) +
// kind_id(2) + msg_id(16) + sent_from_flags(1) + 4*sent_from(16) +
// routing_flags(1) + 3*route_to(16). This count, together with the
// layout of total_len itself, is part of the wire contract: it must
// never change across header_version bumps.
const headerFixedLen = 8 + 2 + 2 + 16 + 1 + 4*16 + 1 + 3*16

const HeaderVersion uint16 = 0

// sent-from / route-to flag bits, in declaration order.
const (
	SentFromWorker uint8 = 1 << iota
	SentFromPipeline
	SentFromOperation
	SentFromConnection
)

const (
	RouteToWorker uint8 = 1 << iota
	RouteToOperation
	RouteToConnection
)

// Addr bundles the four optional sent_from ids or the three optional
// route_to ids, alongside the byte identifying which are meaningful.
type Addr struct {
	Worker     cos.UUID128
	Pipeline   cos.UUID128
	Operation  cos.UUID128
	Connection cos.UUID128
}

func (a Addr) flags() uint8 {
	var f uint8
	if a.Worker != cos.Nil {
		f |= SentFromWorker
	}
	if a.Pipeline != cos.Nil {
		f |= SentFromPipeline
	}
	if a.Operation != cos.Nil {
		f |= SentFromOperation
	}
	if a.Connection != cos.Nil {
		f |= SentFromConnection
	}
	return f
}

// RouteTo is the 3-field subset of Addr used for routing
// destinations (no pipeline destination exists, §4.3).
type RouteTo struct {
	Worker     cos.UUID128
	Operation  cos.UUID128
	Connection cos.UUID128
}

func (r RouteTo) flags() uint8 {
	var f uint8
	if r.Worker != cos.Nil {
		f |= RouteToWorker
	}
	if r.Operation != cos.Nil {
		f |= RouteToOperation
	}
	if r.Connection != cos.Nil {
		f |= RouteToConnection
	}
	return f
}

// Message is the decoded in-memory form of one frame. Body holds the
// kind-specific payload, decoded via the kind registry (registry.go);
// NewMessage sets it directly, and on a decoded frame it is nil until
// ResolveBody is called.
type Message struct {
	MsgID   cos.UUID128
	KindID  uint16
	From    Addr
	To      RouteTo
	Raw     []byte // undecoded payload body, always populated
	Body    any    // decoded body, populated by ResolveBody

	// InboundStreamID / OutboundStreamID are transient, process-local
	// and never cross the wire (spec.md glossary "Stream id"). The
	// transport connection sets InboundStreamID on receipt; nothing
	// sets OutboundStreamID.
	InboundStreamID  string
	OutboundStreamID string
}

// NewMessage starts a reply/fresh message; callers set From/To/Raw
// and then Encode it.
func NewMessage(kindID uint16, body any) *Message {
	return &Message{MsgID: cos.NewUUID128(), KindID: kindID, Body: body}
}

// ReplyTo builds the reply addressing described in spec.md §3: the
// reply's route_to is set from the request's sent_from. The request's
// msg id is not carried: the frame has no reply-to slot and no reply
// payload holds it, so replies are told apart by kind only.
func (m *Message) ReplyTo(req *Message) *Message {
	m.To = RouteTo{Worker: req.From.Worker, Operation: req.From.Operation, Connection: req.From.Connection}
	return m
}

// Encode serializes m into a self-delimited frame. The payload body
// must already be marshaled into Raw (see registry.go's Marshal).
func (m *Message) Encode() ([]byte, error) {
	if m.Raw == nil {
		return nil, fmt.Errorf("wire: message kind %d has no encoded payload; call registry.Marshal first", m.KindID)
	}
	dataLen := uint64(len(m.Raw))
	total := headerFixedLen + int(dataLen)

	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	off := 4
	binary.BigEndian.PutUint64(buf[off:off+8], dataLen)
	off += 8
	binary.BigEndian.PutUint16(buf[off:off+2], HeaderVersion)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], m.KindID)
	off += 2
	off += putUUID(buf[off:], m.MsgID)

	buf[off] = m.From.flags()
	off++
	off += putUUID(buf[off:], m.From.Worker)
	off += putUUID(buf[off:], m.From.Pipeline)
	off += putUUID(buf[off:], m.From.Operation)
	off += putUUID(buf[off:], m.From.Connection)

	buf[off] = m.To.flags()
	off++
	off += putUUID(buf[off:], m.To.Worker)
	off += putUUID(buf[off:], m.To.Operation)
	off += putUUID(buf[off:], m.To.Connection)

	copy(buf[off:], m.Raw)
	return buf, nil
}

// DecodeResult distinguishes the three outcomes spec.md §4.1 demands
// of the codec contract.
type DecodeResult int

const (
	Incomplete DecodeResult = iota
	Ok
	ErrBadKind
	ErrMalformed
)

// Decode attempts to parse one frame from the front of buf. It never
// blocks and never allocates beyond the returned Message. On Ok or
// ErrBadKind/ErrMalformed it also returns the number of bytes
// consumed (advance the caller's buffer by this much), except that a
// frame whose declared length is shorter than the fixed header yields
// ErrMalformed with consumed 0; on Incomplete, consumed is 0 and the
// caller must wait for more bytes.
func Decode(buf []byte) (msg *Message, result DecodeResult, consumed int) {
	if len(buf) < 4 {
		return nil, Incomplete, 0
	}
	total := int(binary.BigEndian.Uint32(buf[0:4]))
	if total < headerFixedLen {
		return nil, ErrMalformed, 0
	}
	if len(buf) < 4+total {
		return nil, Incomplete, 0
	}
	frame := buf[4 : 4+total]

	off := 0
	dataLen := binary.BigEndian.Uint64(frame[off : off+8])
	off += 8
	_ = binary.BigEndian.Uint16(frame[off : off+2]) // header_version; only v0 exists so far
	off += 2
	kindID := binary.BigEndian.Uint16(frame[off : off+2])
	off += 2
	msgID, n := getUUID(frame[off:])
	off += n

	sentFromFlags := frame[off]
	off++
	worker, n := getUUID(frame[off:])
	off += n
	pipeline, n := getUUID(frame[off:])
	off += n
	operation, n := getUUID(frame[off:])
	off += n
	connection, n := getUUID(frame[off:])
	off += n

	routingFlags := frame[off]
	off++
	rtWorker, n := getUUID(frame[off:])
	off += n
	rtOperation, n := getUUID(frame[off:])
	off += n
	rtConnection, n := getUUID(frame[off:])
	off += n

	payload := frame[off:]
	if uint64(len(payload)) != dataLen {
		return nil, ErrMalformed, 4 + total
	}

	m := &Message{
		MsgID:  msgID,
		KindID: kindID,
		From: Addr{
			Worker:     zeroUnlessFlag(worker, sentFromFlags, SentFromWorker),
			Pipeline:   zeroUnlessFlag(pipeline, sentFromFlags, SentFromPipeline),
			Operation:  zeroUnlessFlag(operation, sentFromFlags, SentFromOperation),
			Connection: zeroUnlessFlag(connection, sentFromFlags, SentFromConnection),
		},
		To: RouteTo{
			Worker:     zeroUnlessFlag(rtWorker, routingFlags, RouteToWorker),
			Operation:  zeroUnlessFlag(rtOperation, routingFlags, RouteToOperation),
			Connection: zeroUnlessFlag(rtConnection, routingFlags, RouteToConnection),
		},
		Raw: append([]byte(nil), payload...),
	}

	if !IsRegistered(kindID) {
		return m, ErrBadKind, 4 + total
	}
	return m, Ok, 4 + total
}

func zeroUnlessFlag(u cos.UUID128, flags, bit uint8) cos.UUID128 {
	if flags&bit == 0 {
		return cos.Nil
	}
	return u
}

func putUUID(b []byte, u cos.UUID128) int {
	copy(b, u[:])
	return 16
}

func getUUID(b []byte) (cos.UUID128, int) {
	var u cos.UUID128
	copy(u[:], b[:16])
	return u, 16
}
