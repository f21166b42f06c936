package value_object_test

import (
	"bytes"
	"errors"
	"testing"

	vo "ikedadada/go-onion/internal/domain/value_object"
)

func TestEncodeCell_FixedRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"interior", bytes.Repeat([]byte{0xAB}, 100)},
		{"max", bytes.Repeat([]byte{0xCD}, vo.MaxPayloadSize)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := vo.Cell{Cmd: vo.CmdData, Version: vo.ProtocolV1, Payload: tt.payload}
			buf, err := vo.EncodeCell(in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if len(buf) != vo.FixedCellSize {
				t.Fatalf("fixed cell must be %d bytes, got %d", vo.FixedCellSize, len(buf))
			}
			out, err := vo.DecodeCell(buf)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.Cmd != in.Cmd || out.Version != in.Version {
				t.Errorf("header mismatch: got %v/%d", out.Cmd, out.Version)
			}
			if !bytes.Equal(out.Payload, tt.payload) && len(tt.payload) > 0 {
				t.Errorf("payload mismatch")
			}
			if len(out.Payload) != len(tt.payload) {
				t.Errorf("payload length %d, want %d", len(out.Payload), len(tt.payload))
			}
		})
	}
}

func TestEncodeCell_VariableRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 777)
	in := vo.Cell{Cmd: vo.CmdCreate, Version: vo.ProtocolV1, Payload: payload}
	buf, err := vo.EncodeCell(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != 4+len(payload) {
		t.Fatalf("variable cell length %d, want %d", len(buf), 4+len(payload))
	}
	out, err := vo.DecodeCell(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Errorf("payload mismatch")
	}
}

func TestEncodeCell_PayloadTooBig(t *testing.T) {
	_, err := vo.EncodeCell(vo.Cell{Cmd: vo.CmdData, Version: vo.ProtocolV1,
		Payload: make([]byte, vo.MaxPayloadSize+1)})
	if !errors.Is(err, vo.ErrMalformedCell) {
		t.Fatalf("want malformed cell error, got %v", err)
	}
	_, err = vo.EncodeCell(vo.Cell{Cmd: vo.CmdCreate, Version: vo.ProtocolV1,
		Payload: make([]byte, vo.MaxHandshakePayload+1)})
	if !errors.Is(err, vo.ErrMalformedCell) {
		t.Fatalf("want malformed cell error, got %v", err)
	}
}

func TestDecodeCell_Malformed(t *testing.T) {
	good, err := vo.EncodeCell(vo.Cell{Cmd: vo.CmdData, Version: vo.ProtocolV1, Payload: []byte("x")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tests := []struct {
		name string
		buf  []byte
	}{
		{"short", good[:3]},
		{"unknown command", append([]byte{0x7E}, good[1:]...)},
		{"bad version", append([]byte{good[0], 0x09}, good[2:]...)},
		{"truncated fixed", good[:vo.FixedCellSize-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := vo.DecodeCell(tt.buf); !errors.Is(err, vo.ErrMalformedCell) {
				t.Errorf("want malformed cell error, got %v", err)
			}
		})
	}
}

func TestDecodeCell_LengthBeyondBuffer(t *testing.T) {
	buf, err := vo.EncodeCell(vo.Cell{Cmd: vo.CmdCreated, Version: vo.ProtocolV1, Payload: []byte("abc")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Declare more payload than present.
	buf[2], buf[3] = 0x10, 0x00
	if _, err := vo.DecodeCell(buf); !errors.Is(err, vo.ErrMalformedCell) {
		t.Fatalf("want malformed cell error, got %v", err)
	}
}
