package value_object

import (
	"fmt"
	"net"
)

// Endpoint is a "host:port" network address.
type Endpoint struct {
	host string
	port uint16
}

func NewEndpoint(host string, port uint16) (Endpoint, error) {
	if port == 0 {
		return Endpoint{}, fmt.Errorf("invalid port: %d", port)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("invalid host")
	}
	return Endpoint{host, port}, nil
}

func (e Endpoint) Host() string { return e.host }
func (e Endpoint) Port() uint16 { return e.port }

func (e Endpoint) String() string {
	if ip := net.ParseIP(e.host); ip != nil && ip.To4() == nil {
		return fmt.Sprintf("[%s]:%d", e.host, e.port)
	}
	return fmt.Sprintf("%s:%d", e.host, e.port)
}
