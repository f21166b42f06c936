package value_object

import "github.com/fxamacker/cbor/v2"

// BeginPayload opens a stream to a target through the exit hop.
type BeginPayload struct {
	Target string `cbor:"target"`
	Port   uint16 `cbor:"port"`
}

// EncodeBeginPayload serializes p using CBOR.
func EncodeBeginPayload(p *BeginPayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeBeginPayload decodes the payload from CBOR bytes.
func DecodeBeginPayload(b []byte) (*BeginPayload, error) {
	var p BeginPayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// End reasons carried in a RelayEnd frame's first data byte.
const (
	EndReasonDone    byte = 0x01
	EndReasonRefused byte = 0x02
	EndReasonReset   byte = 0x03
)
