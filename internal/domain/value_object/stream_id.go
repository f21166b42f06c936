package value_object

import "fmt"

// StreamID identifies a stream within one circuit. 0 is reserved for
// circuit-level relay frames (extend, rendezvous control).
type StreamID uint16

// StreamIDFrom validates an externally supplied stream ID.
func StreamIDFrom(v uint16) (StreamID, error) {
	if v == 0 {
		return 0, fmt.Errorf("stream id 0 is reserved")
	}
	return StreamID(v), nil
}

func (s StreamID) UInt16() uint16        { return uint16(s) }
func (s StreamID) Equal(o StreamID) bool { return s == o }
