package value_object

import "github.com/google/uuid"

// CircuitID identifies a circuit on its transport link. Random UUIDs keep the
// per-link uniqueness invariant without a per-link allocator.
type CircuitID struct{ val uuid.UUID }

func NewCircuitID() CircuitID { return CircuitID{uuid.New()} }

func CircuitIDFrom(s string) (CircuitID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return CircuitID{}, err
	}
	return CircuitID{val: id}, nil
}

// CircuitIDFromBytes rebuilds a CircuitID from its 16-byte wire form.
func CircuitIDFromBytes(b []byte) (CircuitID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return CircuitID{}, err
	}
	return CircuitID{val: id}, nil
}

func (c CircuitID) String() string         { return c.val.String() }
func (c CircuitID) Equal(o CircuitID) bool { return c.val == o.val }
func (c CircuitID) Bytes() []byte          { return c.val[:] }
