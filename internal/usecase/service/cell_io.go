package service

import (
	"encoding/binary"
	"fmt"
	"io"

	vo "ikedadada/go-onion/internal/domain/value_object"
)

// Link framing: every cell is prefixed with the 16-byte circuit ID. The
// fixed 4-byte cell header follows, then either the remainder of the fixed
// cell or, for handshake commands, the declared payload length.
const linkHeaderSize = 16 + 4

// WriteCell frames and writes one cell to the link.
func WriteCell(w io.Writer, cid vo.CircuitID, c vo.Cell) error {
	body, err := vo.EncodeCell(c)
	if err != nil {
		return err
	}
	packet := make([]byte, 0, 16+len(body))
	packet = append(packet, cid.Bytes()...)
	packet = append(packet, body...)
	if _, err := w.Write(packet); err != nil {
		return fmt.Errorf("write cell: %w", err)
	}
	return nil
}

// ReadCell reads and decodes one cell from the link.
func ReadCell(r io.Reader) (vo.CircuitID, *vo.Cell, error) {
	var hdr [linkHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return vo.CircuitID{}, nil, err
	}
	cid, err := vo.CircuitIDFromBytes(hdr[:16])
	if err != nil {
		return vo.CircuitID{}, nil, vo.NewError(vo.KindMalformedCell, "read cell", err)
	}
	cmd := vo.CellCommand(hdr[16])
	if !cmd.Valid() {
		return vo.CircuitID{}, nil, vo.NewError(vo.KindMalformedCell, "read cell",
			fmt.Errorf("unknown command 0x%02x", hdr[16]))
	}
	l := int(binary.BigEndian.Uint16(hdr[18:20]))
	var rest int
	if cmd.IsVariableLength() {
		if l > vo.MaxHandshakePayload {
			return vo.CircuitID{}, nil, vo.NewError(vo.KindMalformedCell, "read cell",
				fmt.Errorf("handshake payload length %d", l))
		}
		rest = l
	} else {
		rest = vo.FixedCellSize - 4
	}
	buf := make([]byte, 4+rest)
	copy(buf, hdr[16:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return vo.CircuitID{}, nil, err
	}
	cell, err := vo.DecodeCell(buf)
	if err != nil {
		return vo.CircuitID{}, nil, err
	}
	return cid, cell, nil
}
