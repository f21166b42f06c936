package value_object

import "github.com/fxamacker/cbor/v2"

// CreatePayload is the client half of the hop handshake, sent in the clear
// to the first hop inside a CREATE cell.
type CreatePayload struct {
	ClientPub []byte `cbor:"client_pub"`
}

// EncodeCreatePayload serializes p using CBOR.
func EncodeCreatePayload(p *CreatePayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeCreatePayload decodes the payload from CBOR bytes.
func DecodeCreatePayload(b []byte) (*CreatePayload, error) {
	var p CreatePayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatedPayload is the relay half of the hop handshake. The relay's
// handshake public key doubles as its identity: the client recomputes the
// fingerprint from RelayPub and compares it against the expected one. Auth
// proves possession of the matching private key.
type CreatedPayload struct {
	RelayPub []byte `cbor:"relay_pub"`
	Auth     []byte `cbor:"auth"`
}

// EncodeCreatedPayload serializes p using CBOR.
func EncodeCreatedPayload(p *CreatedPayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeCreatedPayload decodes the payload from CBOR bytes.
func DecodeCreatedPayload(b []byte) (*CreatedPayload, error) {
	var p CreatedPayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
