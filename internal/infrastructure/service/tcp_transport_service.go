package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	vo "ikedadada/go-onion/internal/domain/value_object"
	usvc "ikedadada/go-onion/internal/usecase/service"
)

type tcpTransportServiceImpl struct {
	dialer net.Dialer
}

// NewTCPTransportService returns the production transport: plain TCP with
// keep-alives to the first hop.
func NewTCPTransportService(timeout time.Duration) usvc.TransportService {
	return &tcpTransportServiceImpl{
		dialer: net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
	}
}

func (t *tcpTransportServiceImpl) Dial(ctx context.Context, ep vo.Endpoint) (io.ReadWriteCloser, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	return conn, nil
}
