package value_object

import "fmt"

// CellCommand identifies the kind of a link-level cell.
type CellCommand byte

const (
	// Fixed-size cells.
	CmdData    CellCommand = 0x03
	CmdDestroy CellCommand = 0x05

	// Variable-length handshake cells (high bit set).
	CmdCreate  CellCommand = 0x81
	CmdCreated CellCommand = 0x82
)

// IsVariableLength reports whether cmd uses the variable-length cell format.
// Handshake cells carry key material larger than a fixed payload.
func (c CellCommand) IsVariableLength() bool { return byte(c)&0x80 != 0 }

// Valid reports whether cmd is a known cell command.
func (c CellCommand) Valid() bool {
	switch c {
	case CmdData, CmdDestroy, CmdCreate, CmdCreated:
		return true
	}
	return false
}

func (c CellCommand) String() string {
	switch c {
	case CmdData:
		return "DATA"
	case CmdDestroy:
		return "DESTROY"
	case CmdCreate:
		return "CREATE"
	case CmdCreated:
		return "CREATED"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(c))
}

// RelayCommand identifies the kind of a relay frame carried inside an
// onion-encrypted DATA cell.
type RelayCommand byte

const (
	RelayBegin     RelayCommand = 0x01
	RelayConnected RelayCommand = 0x02
	RelayData      RelayCommand = 0x03
	RelayEnd       RelayCommand = 0x04
	RelaySendme    RelayCommand = 0x05
	RelayExtend    RelayCommand = 0x06
	RelayExtended  RelayCommand = 0x07
	RelayDrop      RelayCommand = 0x08

	RelayEstablishRendezvous   RelayCommand = 0x09
	RelayRendezvousEstablished RelayCommand = 0x0A
	RelayIntroduce             RelayCommand = 0x0B
	RelayIntroduceAck          RelayCommand = 0x0C
	RelayRendezvous2           RelayCommand = 0x0D
)

// Valid reports whether cmd is a known relay command.
func (c RelayCommand) Valid() bool {
	return c >= RelayBegin && c <= RelayRendezvous2
}

func (c RelayCommand) String() string {
	switch c {
	case RelayBegin:
		return "BEGIN"
	case RelayConnected:
		return "CONNECTED"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	case RelaySendme:
		return "SENDME"
	case RelayExtend:
		return "EXTEND"
	case RelayExtended:
		return "EXTENDED"
	case RelayDrop:
		return "DROP"
	case RelayEstablishRendezvous:
		return "ESTABLISH_RENDEZVOUS"
	case RelayRendezvousEstablished:
		return "RENDEZVOUS_ESTABLISHED"
	case RelayIntroduce:
		return "INTRODUCE"
	case RelayIntroduceAck:
		return "INTRODUCE_ACK"
	case RelayRendezvous2:
		return "RENDEZVOUS2"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(c))
}
