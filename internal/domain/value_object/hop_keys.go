package value_object

// HopKeySize is the width of each derived symmetric key and digest seed.
const HopKeySize = 32

// HopKeys is the symmetric material negotiated with one hop: forward and
// backward cipher keys plus the seeds for the running integrity digests.
// Derived exactly once per handshake and scoped to a single circuit.
type HopKeys struct {
	Forward        [HopKeySize]byte
	Backward       [HopKeySize]byte
	ForwardDigest  [HopKeySize]byte
	BackwardDigest [HopKeySize]byte
}

// Wipe zeroizes the key material.
func (k *HopKeys) Wipe() {
	*k = HopKeys{}
}
