package value_object

import "github.com/fxamacker/cbor/v2"

// RendezvousCookieSize is the length of the one-time rendezvous cookie.
const RendezvousCookieSize = 20

// EstablishRendezvousPayload registers a rendezvous cookie at a relay.
type EstablishRendezvousPayload struct {
	Cookie []byte `cbor:"cookie"`
}

// EncodeEstablishRendezvousPayload serializes p using CBOR.
func EncodeEstablishRendezvousPayload(p *EstablishRendezvousPayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeEstablishRendezvousPayload decodes the payload from CBOR bytes.
func DecodeEstablishRendezvousPayload(b []byte) (*EstablishRendezvousPayload, error) {
	var p EstablishRendezvousPayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// IntroducePayload is sent to an introduction point. Only the service
// fingerprint is visible to the relay; Sealed is encrypted to the service's
// public key and opaque to everyone else.
type IntroducePayload struct {
	ServiceFP []byte `cbor:"service_fp"`
	Sealed    []byte `cbor:"sealed"`
}

// EncodeIntroducePayload serializes p using CBOR.
func EncodeIntroducePayload(p *IntroducePayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeIntroducePayload decodes the payload from CBOR bytes.
func DecodeIntroducePayload(b []byte) (*IntroducePayload, error) {
	var p IntroducePayload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// IntroduceInner is the sealed body of an introduce request: where to meet
// and the client's ephemeral handshake key.
type IntroduceInner struct {
	RendezvousHost string `cbor:"rendezvous_host"`
	RendezvousPort uint16 `cbor:"rendezvous_port"`
	RendezvousFP   []byte `cbor:"rendezvous_fp"`
	Cookie         []byte `cbor:"cookie"`
	ClientPub      []byte `cbor:"client_pub"`
}

// EncodeIntroduceInner serializes p using CBOR.
func EncodeIntroduceInner(p *IntroduceInner) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeIntroduceInner decodes the payload from CBOR bytes.
func DecodeIntroduceInner(b []byte) (*IntroduceInner, error) {
	var p IntroduceInner
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Introduce ack statuses.
const (
	IntroAckOK      byte = 0x00
	IntroAckRefused byte = 0x01
)

// Rendezvous2Payload is the service's half of the end-to-end handshake,
// delivered on the client's rendezvous circuit after the join.
type Rendezvous2Payload struct {
	ServicePub []byte `cbor:"service_pub"`
	Auth       []byte `cbor:"auth"`
}

// EncodeRendezvous2Payload serializes p using CBOR.
func EncodeRendezvous2Payload(p *Rendezvous2Payload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeRendezvous2Payload decodes the payload from CBOR bytes.
func DecodeRendezvous2Payload(b []byte) (*Rendezvous2Payload, error) {
	var p Rendezvous2Payload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
