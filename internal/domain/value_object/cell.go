package value_object

import (
	"encoding/binary"
	"fmt"
)

const (
	// FixedCellSize is the total length of a fixed-size cell.
	FixedCellSize = 512
	// cellHeader is CMD(1)+VER(1)+LEN(2).
	cellHeader = 4
	// MaxPayloadSize is the payload capacity of a fixed-size cell.
	MaxPayloadSize = FixedCellSize - cellHeader
	// MaxHandshakePayload bounds variable-length handshake cells.
	MaxHandshakePayload = 4096

	// ProtocolV1 is the only supported cell format version.
	ProtocolV1 byte = 0x01
)

// Cell is one protocol cell: fixed 512 bytes for relay traffic, or a
// variable-length variant for handshake data. Pure framing, no crypto.
type Cell struct {
	Cmd     CellCommand
	Version byte
	Payload []byte
}

// EncodeCell serializes a cell. Fixed-size commands produce exactly
// FixedCellSize bytes with zero padding after the payload; variable-length
// commands produce a header plus the payload with an explicit length prefix.
func EncodeCell(c Cell) ([]byte, error) {
	if c.Cmd.IsVariableLength() {
		if len(c.Payload) > MaxHandshakePayload {
			return nil, NewError(KindMalformedCell, "encode",
				fmt.Errorf("handshake payload too big: %d > %d", len(c.Payload), MaxHandshakePayload))
		}
		buf := make([]byte, cellHeader+len(c.Payload))
		buf[0] = byte(c.Cmd)
		buf[1] = c.Version
		binary.BigEndian.PutUint16(buf[2:], uint16(len(c.Payload)))
		copy(buf[4:], c.Payload)
		return buf, nil
	}
	if len(c.Payload) > MaxPayloadSize {
		return nil, NewError(KindMalformedCell, "encode",
			fmt.Errorf("payload too big: %d > %d", len(c.Payload), MaxPayloadSize))
	}
	buf := make([]byte, FixedCellSize)
	buf[0] = byte(c.Cmd)
	buf[1] = c.Version
	binary.BigEndian.PutUint16(buf[2:], uint16(len(c.Payload)))
	copy(buf[4:], c.Payload)
	return buf, nil
}

// DecodeCell parses cell bytes produced by EncodeCell.
func DecodeCell(buf []byte) (*Cell, error) {
	if len(buf) < cellHeader {
		return nil, NewError(KindMalformedCell, "decode",
			fmt.Errorf("cell too short: %d bytes", len(buf)))
	}
	cmd := CellCommand(buf[0])
	if !cmd.Valid() {
		return nil, NewError(KindMalformedCell, "decode",
			fmt.Errorf("unknown command 0x%02x", buf[0]))
	}
	if buf[1] != ProtocolV1 {
		return nil, NewError(KindMalformedCell, "decode",
			fmt.Errorf("unsupported version 0x%02x", buf[1]))
	}
	l := int(binary.BigEndian.Uint16(buf[2:4]))
	if cmd.IsVariableLength() {
		if l > MaxHandshakePayload || len(buf) != cellHeader+l {
			return nil, NewError(KindMalformedCell, "decode",
				fmt.Errorf("invalid handshake cell length: header=%d buf=%d", l, len(buf)))
		}
	} else {
		if len(buf) != FixedCellSize || l > MaxPayloadSize {
			return nil, NewError(KindMalformedCell, "decode",
				fmt.Errorf("invalid fixed cell length: header=%d buf=%d", l, len(buf)))
		}
	}
	payload := make([]byte, l)
	copy(payload, buf[cellHeader:cellHeader+l])
	return &Cell{Cmd: cmd, Version: buf[1], Payload: payload}, nil
}
