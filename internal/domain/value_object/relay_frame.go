package value_object

import (
	"encoding/binary"
	"fmt"
)

const (
	// relayHeader is RELAYCMD(1)+STREAM(2)+DIGEST(4)+LEN(2).
	relayHeader = 9
	// MaxRelayDataLen is the data capacity of one relay frame.
	MaxRelayDataLen = MaxPayloadSize - relayHeader

	// DigestOffset and DigestSize locate the integrity digest inside a
	// marshaled relay frame. The crypto layer reads and writes it in place.
	DigestOffset = 3
	DigestSize   = 4
)

// RelayFrame is the unit carried inside an onion-encrypted DATA cell:
// RELAYCMD(1) | STREAM(2) | DIGEST(4) | LEN(2) | data, zero-padded to the
// full fixed payload before encryption.
type RelayFrame struct {
	Cmd      RelayCommand
	StreamID StreamID
	Digest   [DigestSize]byte
	Data     []byte
}

// MarshalRelayFrame serializes a frame into a full-size payload buffer.
func MarshalRelayFrame(f *RelayFrame) ([]byte, error) {
	if len(f.Data) > MaxRelayDataLen {
		return nil, NewError(KindMalformedCell, "marshal relay frame",
			fmt.Errorf("relay data too big: %d > %d", len(f.Data), MaxRelayDataLen))
	}
	buf := make([]byte, MaxPayloadSize)
	buf[0] = byte(f.Cmd)
	binary.BigEndian.PutUint16(buf[1:3], f.StreamID.UInt16())
	copy(buf[DigestOffset:DigestOffset+DigestSize], f.Digest[:])
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(f.Data)))
	copy(buf[relayHeader:], f.Data)
	return buf, nil
}

// ParseRelayFrame parses a decrypted full-size payload buffer.
func ParseRelayFrame(buf []byte) (*RelayFrame, error) {
	if len(buf) != MaxPayloadSize {
		return nil, NewError(KindMalformedCell, "parse relay frame",
			fmt.Errorf("relay payload must be %d bytes, got %d", MaxPayloadSize, len(buf)))
	}
	cmd := RelayCommand(buf[0])
	if !cmd.Valid() {
		return nil, NewError(KindMalformedCell, "parse relay frame",
			fmt.Errorf("unknown relay command 0x%02x", buf[0]))
	}
	l := int(binary.BigEndian.Uint16(buf[7:9]))
	if l > MaxRelayDataLen {
		return nil, NewError(KindMalformedCell, "parse relay frame",
			fmt.Errorf("invalid relay data length: %d", l))
	}
	f := &RelayFrame{
		Cmd:      cmd,
		StreamID: StreamID(binary.BigEndian.Uint16(buf[1:3])),
	}
	copy(f.Digest[:], buf[DigestOffset:DigestOffset+DigestSize])
	f.Data = make([]byte, l)
	copy(f.Data, buf[relayHeader:relayHeader+l])
	return f, nil
}
