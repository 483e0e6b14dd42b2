// Package kvmi implements the client side of the KVM introspection channel.
// This file implements the framed binary format spoken on the channel.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// Payloads are little-endian, matching the hypervisor's native layout.
package kvmi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MsgType identifies a message on the introspection channel.
type MsgType uint32

const (
	MsgHello        MsgType = 1 // client -> hv: domain name
	MsgHelloAck     MsgType = 2 // hv -> client: 4-byte status, 0 is success
	MsgEvent        MsgType = 3 // hv -> client: one event
	MsgReply        MsgType = 4 // client -> hv: decision for an event
	MsgSingleStep   MsgType = 5 // client -> hv: arm or disarm stepping on a vCPU
	MsgPauseVCPUs   MsgType = 6 // client -> hv: pause count vCPUs
	MsgVCPUCountReq MsgType = 7 // client -> hv
	MsgVCPUCount    MsgType = 8 // hv -> client: 4-byte count
)

const (
	frameHeaderBytes = 12
	maxPayload       = 1 << 20
)

// Sender writes framed messages to an underlying writer (typically a unix conn).
// It is not safe for concurrent use.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message in one Write call.
func (s *Sender) send(t MsgType, payload []byte) error {
	buf := make([]byte, frameHeaderBytes, frameHeaderBytes+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(t))
	binary.BigEndian.PutUint64(buf[4:12], uint64(len(payload)))
	buf = append(buf, payload...)

	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("send %d: %w", t, err)
	}

	return nil
}

// SendHello opens a session for the named domain.
func (s *Sender) SendHello(domain string) error {
	return s.send(MsgHello, []byte(domain))
}

// SendHelloAck answers a hello with status (0 accepts).
func (s *Sender) SendHelloAck(status uint32) error {
	return s.send(MsgHelloAck, u32(status))
}

// SendEvent encodes ev as a MsgEvent.
func (s *Sender) SendEvent(ev *Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	return s.send(MsgEvent, payload)
}

// SendReply sends the decision for ev.
func (s *Sender) SendReply(ev *Event, d Decision) error {
	payload := make([]byte, 7)
	binary.LittleEndian.PutUint32(payload[0:4], ev.Seq)
	binary.LittleEndian.PutUint16(payload[4:6], ev.VCPU)
	payload[6] = byte(d)

	return s.send(MsgReply, payload)
}

// SendSingleStep arms (enable) or disarms stepping on vcpu.
func (s *Sender) SendSingleStep(vcpu uint16, enable bool) error {
	payload := make([]byte, 3)
	binary.LittleEndian.PutUint16(payload[0:2], vcpu)

	if enable {
		payload[2] = 1
	}

	return s.send(MsgSingleStep, payload)
}

// SendPauseVCPUs asks the hypervisor to pause count vCPUs.
func (s *Sender) SendPauseVCPUs(count int) error {
	return s.send(MsgPauseVCPUs, u32(uint32(count)))
}

// SendVCPUCountReq asks for the current vCPU count.
func (s *Sender) SendVCPUCountReq() error { return s.send(MsgVCPUCountReq, nil) }

// SendVCPUCount answers a vCPU count request.
func (s *Sender) SendVCPUCount(n int) error {
	return s.send(MsgVCPUCount, u32(uint32(n)))
}

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, frameHeaderBytes)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > maxPayload {
		return 0, nil, fmt.Errorf("%w: type=%d len=%d", ErrMalformed, t, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// eventHdr is the fixed part of a MsgEvent payload.
type eventHdr struct {
	Seq     uint32
	Kind    uint16
	VCPU    uint16
	Params  [4]uint64
	Regs    Regs
	Sregs   Sregs
	InsnLen uint16
}

// EncodeEvent returns the MsgEvent payload for ev.
func EncodeEvent(ev *Event) ([]byte, error) {
	if len(ev.Insn) > 0xffff {
		return nil, fmt.Errorf("%w: %d instruction bytes", ErrMalformed, len(ev.Insn))
	}

	hdr := eventHdr{
		Seq:     ev.Seq,
		Kind:    uint16(ev.Kind),
		VCPU:    ev.VCPU,
		Params:  ev.Params,
		Regs:    ev.Regs,
		Sregs:   ev.Sregs,
		InsnLen: uint16(len(ev.Insn)),
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}

	buf.Write(ev.Insn)

	return buf.Bytes(), nil
}

// DecodeEvent decodes a MsgEvent payload. The kind is not validated here;
// that is left to whoever dispatches the event.
func DecodeEvent(payload []byte) (*Event, error) {
	var hdr eventHdr

	r := bytes.NewReader(payload)
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: event header: %v", ErrMalformed, err)
	}

	if r.Len() != int(hdr.InsnLen) {
		return nil, fmt.Errorf("%w: want %d instruction bytes, have %d", ErrMalformed, hdr.InsnLen, r.Len())
	}

	ev := &Event{
		Seq:    hdr.Seq,
		Kind:   EventKind(hdr.Kind),
		VCPU:   hdr.VCPU,
		Params: hdr.Params,
		Regs:   hdr.Regs,
		Sregs:  hdr.Sregs,
	}

	if hdr.InsnLen > 0 {
		ev.Insn = payload[len(payload)-r.Len():]
	}

	return ev, nil
}

// Reply is a decoded MsgReply payload.
type Reply struct {
	Seq      uint32
	VCPU     uint16
	Decision Decision
}

// DecodeReply decodes a MsgReply payload.
func DecodeReply(payload []byte) (Reply, error) {
	if len(payload) != 7 {
		return Reply{}, fmt.Errorf("%w: reply of %d bytes", ErrMalformed, len(payload))
	}

	return Reply{
		Seq:      binary.LittleEndian.Uint32(payload[0:4]),
		VCPU:     binary.LittleEndian.Uint16(payload[4:6]),
		Decision: Decision(payload[6]),
	}, nil
}

// DecodeSingleStep decodes a MsgSingleStep payload.
func DecodeSingleStep(payload []byte) (vcpu uint16, enable bool, err error) {
	if len(payload) != 3 {
		return 0, false, fmt.Errorf("%w: singlestep of %d bytes", ErrMalformed, len(payload))
	}

	return binary.LittleEndian.Uint16(payload[0:2]), payload[2] != 0, nil
}

// DecodeU32 decodes the 4-byte payload of MsgHelloAck, MsgPauseVCPUs and MsgVCPUCount.
func DecodeU32(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: want 4 bytes, have %d", ErrMalformed, len(payload))
	}

	return binary.LittleEndian.Uint32(payload), nil
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)

	return b
}
