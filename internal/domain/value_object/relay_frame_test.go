package value_object_test

import (
	"bytes"
	"errors"
	"testing"

	vo "ikedadada/go-onion/internal/domain/value_object"
)

func TestMarshalRelayFrame_RoundTrip(t *testing.T) {
	f := &vo.RelayFrame{
		Cmd:      vo.RelayData,
		StreamID: 7,
		Digest:   [vo.DigestSize]byte{1, 2, 3, 4},
		Data:     []byte("hello over the onion"),
	}
	buf, err := vo.MarshalRelayFrame(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(buf) != vo.MaxPayloadSize {
		t.Fatalf("frame must fill the payload: got %d bytes", len(buf))
	}
	out, err := vo.ParseRelayFrame(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Cmd != f.Cmd || out.StreamID != f.StreamID || out.Digest != f.Digest {
		t.Errorf("header mismatch: %+v", out)
	}
	if !bytes.Equal(out.Data, f.Data) {
		t.Errorf("data mismatch: %q", out.Data)
	}
}

func TestMarshalRelayFrame_MaxData(t *testing.T) {
	f := &vo.RelayFrame{Cmd: vo.RelayData, StreamID: 1, Data: bytes.Repeat([]byte{0xEE}, vo.MaxRelayDataLen)}
	buf, err := vo.MarshalRelayFrame(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := vo.ParseRelayFrame(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out.Data) != vo.MaxRelayDataLen {
		t.Errorf("data length %d, want %d", len(out.Data), vo.MaxRelayDataLen)
	}
}

func TestMarshalRelayFrame_TooBig(t *testing.T) {
	f := &vo.RelayFrame{Cmd: vo.RelayData, Data: make([]byte, vo.MaxRelayDataLen+1)}
	if _, err := vo.MarshalRelayFrame(f); !errors.Is(err, vo.ErrMalformedCell) {
		t.Fatalf("want malformed cell error, got %v", err)
	}
}

func TestParseRelayFrame_Malformed(t *testing.T) {
	buf, err := vo.MarshalRelayFrame(&vo.RelayFrame{Cmd: vo.RelayData, StreamID: 1, Data: []byte("x")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	t.Run("wrong size", func(t *testing.T) {
		if _, err := vo.ParseRelayFrame(buf[:100]); !errors.Is(err, vo.ErrMalformedCell) {
			t.Errorf("want malformed cell error, got %v", err)
		}
	})
	t.Run("unknown relay command", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[0] = 0x7F
		if _, err := vo.ParseRelayFrame(bad); !errors.Is(err, vo.ErrMalformedCell) {
			t.Errorf("want malformed cell error, got %v", err)
		}
	})
	t.Run("length beyond capacity", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[7], bad[8] = 0xFF, 0xFF
		if _, err := vo.ParseRelayFrame(bad); !errors.Is(err, vo.ErrMalformedCell) {
			t.Errorf("want malformed cell error, got %v", err)
		}
	})
}
