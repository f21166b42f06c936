package value_object

import "github.com/fxamacker/cbor/v2"

// ExtendPayload asks the current last hop to relay a CREATE to the next
// relay on the client's behalf. Carried in a circuit-level relay frame.
type ExtendPayload struct {
	NextHost  string `cbor:"next_host"`
	NextPort  uint16 `cbor:"next_port"`
	ClientPub []byte `cbor:"client_pub"`
}

// EncodeExtendPayload serializes p using CBOR.
func EncodeExtendPayload(p *ExtendPayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeExtendPayload decodes the payload from CBOR bytes.
func DecodeExtendPayload(b []byte) (*ExtendPayload, error) {
	var p ExtendPayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ExtendedPayload relays the new hop's CREATED response back to the client.
// Same shape as CreatedPayload; kept distinct for wire clarity.
type ExtendedPayload struct {
	RelayPub []byte `cbor:"relay_pub"`
	Auth     []byte `cbor:"auth"`
}

// EncodeExtendedPayload serializes p using CBOR.
func EncodeExtendedPayload(p *ExtendedPayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeExtendedPayload decodes the payload from CBOR bytes.
func DecodeExtendedPayload(b []byte) (*ExtendedPayload, error) {
	var p ExtendedPayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
